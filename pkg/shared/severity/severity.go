// Package severity provides the canonical severity levels of a vulnerability
// record and the strict mapping from raw source values onto them.
//
// The mapping table is shared by every storage backend and by the mirror
// server, so it must stay identical everywhere a record is normalized.
package severity

import "strings"

// Level represents a severity level for a vulnerability record.
type Level string

const (
	// Critical - Immediate action required. Actively exploited or trivially exploitable.
	Critical Level = "critical"

	// High - Serious vulnerability that should be addressed urgently.
	High Level = "high"

	// Medium - Moderate risk, should be addressed in normal development cycle.
	Medium Level = "medium"

	// Low - Minor issue, address when convenient.
	Low Level = "low"

	// Unknown - Severity missing or not recognized.
	Unknown Level = "unknown"
)

// AllLevels returns all severity levels in order of priority (highest first).
func AllLevels() []Level {
	return []Level{Critical, High, Medium, Low, Unknown}
}

// String returns the string representation of the severity level.
func (l Level) String() string {
	return string(l)
}

// Valid reports whether l is one of the canonical levels.
func (l Level) Valid() bool {
	switch l {
	case Critical, High, Medium, Low, Unknown:
		return true
	}
	return false
}

// Priority returns the numeric priority of the severity level.
// Higher numbers = higher priority.
func (l Level) Priority() int {
	switch l {
	case Critical:
		return 4
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	default:
		return 0
	}
}

// FromString maps a raw severity value through the fixed table. Matching is
// case-insensitive; anything else, including the empty string and values
// with surrounding whitespace, is Unknown.
func FromString(s string) Level {
	switch strings.ToLower(s) {
	case "critical":
		return Critical
	case "high":
		return High
	case "medium":
		return Medium
	case "low":
		return Low
	default:
		return Unknown
	}
}

// Compare returns:
//
//	-1 if a < b (a is lower severity)
//	 0 if a == b
//	+1 if a > b (a is higher severity)
func Compare(a, b Level) int {
	pa, pb := a.Priority(), b.Priority()
	switch {
	case pa < pb:
		return -1
	case pa > pb:
		return 1
	default:
		return 0
	}
}

// Counts counts records by severity level. Every level is always present in
// the JSON form.
type Counts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unknown  int `json:"unknown"`
}

// Increment increases the count for the given severity.
func (c *Counts) Increment(level Level) {
	c.Add(level, 1)
}

// Add increases the count for the given severity by n.
func (c *Counts) Add(level Level, n int) {
	switch level {
	case Critical:
		c.Critical += n
	case High:
		c.High += n
	case Medium:
		c.Medium += n
	case Low:
		c.Low += n
	default:
		c.Unknown += n
	}
}

// Get returns the count for the given severity.
func (c Counts) Get(level Level) int {
	switch level {
	case Critical:
		return c.Critical
	case High:
		return c.High
	case Medium:
		return c.Medium
	case Low:
		return c.Low
	default:
		return c.Unknown
	}
}

// Total returns the sum over all levels.
func (c Counts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Unknown
}

// HighestSeverity returns the highest severity level that has a non-zero count.
func (c Counts) HighestSeverity() Level {
	for _, l := range AllLevels() {
		if c.Get(l) > 0 {
			return l
		}
	}
	return Unknown
}
