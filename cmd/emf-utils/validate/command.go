// Package validate implements EMF document validation commands.
package validate

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aws/aws-emf-metrics/emf"
)

func init() {
	cobra.EnablePrefixMatching = true
}

// NewCommand implements "emf-utils validate" command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [PATH]",
		Short: "Validates CloudWatch EMF documents, one JSON line each (stdin when no path)",
		Run:   validateFunc,
	}
}

func validateFunc(cmd *cobra.Command, args []string) {
	if len(args) > 1 {
		fmt.Fprintf(os.Stderr, "expected at most 1 argument for input path; got %q\n", args)
		os.Exit(1)
	}

	in := os.Stdin
	name := "stdin"
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open %q (%v)\n", args[0], err)
			os.Exit(1)
		}
		defer f.Close()
		in, name = f, args[0]
	}

	total, invalid, line := 0, 0, 0
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		total++
		var doc emf.Document
		err := json.Unmarshal(text, &doc)
		if err == nil {
			err = doc.Validate()
		}
		if err != nil {
			invalid++
			fmt.Printf("%s:%d: %v\n", name, line, err)
		}
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s (%v)\n", name, err)
		os.Exit(1)
	}

	fmt.Printf("validated %d documents, %d invalid\n", total, invalid)
	if invalid > 0 {
		os.Exit(1)
	}
}
