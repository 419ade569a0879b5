package util

import (
	"fmt"
	"time"
)

// ValidateNotEmpty checks if a string is not empty.
func ValidateNotEmpty(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}

// ValidateRange checks if an integer is within a specified range (inclusive).
func ValidateRange(value, min, max int, fieldName string) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", fieldName, min, max, value)
	}
	return nil
}

// ValidatePositive checks if a number is positive.
func ValidatePositive(value int, fieldName string) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %d", fieldName, value)
	}
	return nil
}

// ValidatePositiveDuration checks if a duration is greater than zero.
func ValidatePositiveDuration(value time.Duration, fieldName string) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive, got %s", fieldName, value)
	}
	return nil
}
