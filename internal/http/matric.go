package http

import (
	"strconv"
	"time"
)

// Matric numbers are 9 digits: a two-digit admission year, the faculty
// sequence "0561", then a three-digit serial. The year prefix is validated
// against the clock supplied by the caller, so the acceptable range grows
// each calendar year.
const (
	matricLength    = 9
	matricSequence  = "0561"
	matricYearFloor = 21
)

// validateMatric returns an error code, or "" when the matric number is
// well-formed. Checks run in the order the enrolment rules state them:
// digits, length, faculty sequence, year prefix.
func validateMatric(value string, now time.Time) string {
	for _, r := range value {
		if r < '0' || r > '9' {
			return "matric_not_digits"
		}
	}
	if len(value) != matricLength {
		return "matric_wrong_length"
	}
	if value[2:6] != matricSequence {
		return "matric_bad_sequence"
	}
	yearPrefix, err := strconv.Atoi(value[:2])
	if err != nil {
		return "matric_not_digits"
	}
	currentYear := now.Year() % 100
	if yearPrefix < matricYearFloor || yearPrefix > currentYear {
		return "matric_bad_year"
	}
	return ""
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
