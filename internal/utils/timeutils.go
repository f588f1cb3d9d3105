package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error. Empty
// input yields a zero time with no error so optional query filters stay
// optional.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}
