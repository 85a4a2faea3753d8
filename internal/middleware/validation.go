package middleware

import (
	"errors"
	"regexp"
	"strconv"
)

var modelNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// ValidateUserID validates a Telegram user or chat id.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("user ID cannot be empty")
	}
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return errors.New("invalid user ID format")
	}
	return nil
}

// ValidateModelName validates a model name before the registry sees it.
func ValidateModelName(name string) error {
	if !modelNamePattern.MatchString(name) {
		return errors.New("invalid model name")
	}
	return nil
}

// ParseLimit parses an optional page size, clamping it to [1, max].
func ParseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}

// ParseSequence parses an optional stream sequence cursor.
func ParseSequence(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("after must be a non-negative integer")
	}
	return n, nil
}
