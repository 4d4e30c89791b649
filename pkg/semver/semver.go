// Package semver normalizes the tool versions reported by scanners.
package semver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Normalize returns the canonical semantic version of v ("v2.9" becomes "2.9.0").
// Versions that are not semver-like are returned trimmed, unchanged otherwise.
func Normalize(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return v
	}
	return sv.String()
}

// Sort orders versions ascending. Unparseable versions are rejected.
func Sort(versions []string) ([]string, error) {
	semvers := make(semver.Collection, 0, len(versions))
	for _, v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			return nil, fmt.Errorf("invalid semver: %s", v)
		}
		semvers = append(semvers, sv)
	}

	sort.Sort(semvers)

	result := make([]string, len(semvers))
	for i, sv := range semvers {
		result[i] = sv.String()
	}
	return result, nil
}

// Newest returns the highest semantic version in versions, skipping unparseable entries.
// It returns "" when none parse.
func Newest(versions []string) string {
	var newest *semver.Version
	for _, v := range versions {
		sv, err := semver.NewVersion(v)
		if err != nil {
			continue
		}
		if newest == nil || sv.GreaterThan(newest) {
			newest = sv
		}
	}
	if newest == nil {
		return ""
	}
	return newest.String()
}
