package emf

import (
	"sort"
	"strings"

	cloudwatchtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var unitNames = make(map[string]cloudwatchtypes.StandardUnit)

func init() {
	for _, u := range cloudwatchtypes.StandardUnitNone.Values() {
		unitNames[strings.ToLower(string(u))] = u
	}
}

// ParseUnit maps a unit name to its CloudWatch standard unit. Matching is
// case-insensitive against the StandardUnit values. The empty string
// resolves to StandardUnitNone.
func ParseUnit(s string) (unit cloudwatchtypes.StandardUnit, ok bool) {
	if s == "" {
		return cloudwatchtypes.StandardUnitNone, true
	}
	unit, ok = unitNames[strings.ToLower(s)]
	return unit, ok
}

// Units returns the supported unit names, sorted.
func Units() []string {
	names := make([]string, 0, len(unitNames))
	for _, u := range unitNames {
		names = append(names, string(u))
	}
	sort.Strings(names)
	return names
}
