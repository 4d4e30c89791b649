// Package severity maps CVSS scores onto the four discrete severity levels.
package severity

import (
	"fmt"
	"math"
	"strings"
)

// Level is a discrete severity band.
type Level int

const (
	Info Level = iota
	Low
	Medium
	High
)

var names = [...]string{"info", "low", "medium", "high"}

// String returns the lowercase level name.
func (l Level) String() string {
	if l < Info || l > High {
		return fmt.Sprintf("Level(%d)", int(l))
	}
	return names[l]
}

// ParseLevel is the inverse of Level.String. It is case-insensitive.
func ParseLevel(name string) (Level, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, s := range names {
		if s == n {
			return Level(i), nil
		}
	}
	return Info, fmt.Errorf("unknown severity level %q", name)
}

// FromCVSS classifies a CVSS base score.
// Scores outside [0.1, 10] and NaN are Info.
func FromCVSS(cvss float64) Level {
	switch {
	case math.IsNaN(cvss):
		return Info
	case cvss >= 7.0 && cvss <= 10.0:
		return High
	case cvss >= 4.0 && cvss < 7.0:
		return Medium
	case cvss >= 0.1 && cvss < 4.0:
		return Low
	default:
		return Info
	}
}

// DefaultScore returns a representative CVSS for a tool that only reports a severity word.
func DefaultScore(raw string) float64 {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "critical", "very high":
		return 9.5
	case "high":
		return 8.0
	case "medium", "moderate":
		return 5.5
	case "low":
		return 2.0
	default:
		return 0
	}
}

// Score returns cvss when it is a usable score and the raw word's default otherwise.
func Score(cvss float64, raw string) float64 {
	if cvss > 0 && cvss <= 10 {
		return cvss
	}
	return DefaultScore(raw)
}

// Grade is the application grade: the highest CVSS at or below 10, times ten.
func Grade(scores []float64) int {
	var max float64
	for _, s := range scores {
		if s > max && s <= 10 {
			max = s
		}
	}
	return int(math.Round(max*100) / 10)
}
