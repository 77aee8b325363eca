package models

import (
	"fmt"
	"strings"
)

// Severity ordered alarm level: OK < WARNING < MAJOR < CRITICAL
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarning
	SeverityMajor
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityWarning:
		return "WARNING"
	case SeverityMajor:
		return "MAJOR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Valid reports whether s is one of the four defined levels
func (s Severity) Valid() bool {
	return s >= SeverityOK && s <= SeverityCritical
}

// ParseSeverity accepts the names case-insensitively
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "OK":
		return SeverityOK, nil
	case "WARNING":
		return SeverityWarning, nil
	case "MAJOR":
		return SeverityMajor, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return SeverityOK, fmt.Errorf("unknown severity %q", v)
}

// MarshalText encodes the severity by name
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Worst returns the higher of a and b
func Worst(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}
