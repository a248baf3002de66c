package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Size limits
const (
	MaxReadLength    = 16 * 1024 * 1024 // 16MB - largest single pipe read
	MaxWriteSize     = 16 * 1024 * 1024 // 16MB - largest single pipe write
	MaxCommandLength = 4096
	MaxArgumentCount = 4096
	MaxIDLength      = 128
)

// Regular expressions for validation
var (
	// SafeIDPattern allows alphanumeric, hyphens, underscores
	SafeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// ToolIDPattern allows alphanumeric, hyphens, underscores, and dots (for service.tool format)
	ToolIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil // Optional field, empty is OK
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	// NUL terminates strings at the OS boundary
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateID validates an ID field
func ValidateID(id, fieldName string, required bool) error {
	if err := ValidateString(id, fieldName, 1, MaxIDLength, required); err != nil {
		return err
	}

	if id != "" && !SafeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, hyphens, and underscores allowed)", fieldName)
	}

	return nil
}

// ValidateToolID validates a tool ID field (allows dots for service.tool format)
func ValidateToolID(id, fieldName string, required bool) error {
	if err := ValidateString(id, fieldName, 1, MaxIDLength, required); err != nil {
		return err
	}

	if id != "" && !ToolIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, dots, hyphens, and underscores allowed)", fieldName)
	}

	return nil
}

// ValidateCommand validates a command and its arguments
func ValidateCommand(command string, args []string) error {
	if err := ValidateString(command, "command", 1, MaxCommandLength, true); err != nil {
		return err
	}
	if len(args) > MaxArgumentCount {
		return fmt.Errorf("arguments must not exceed %d entries", MaxArgumentCount)
	}
	for i, arg := range args {
		if strings.Contains(arg, "\x00") {
			return fmt.Errorf("arguments[%d] contains invalid characters", i)
		}
	}
	return nil
}

// ValidateEnvironment validates environment variable names and values
func ValidateEnvironment(env map[string]string) error {
	for key, value := range env {
		if key == "" {
			return fmt.Errorf("environment contains an empty name")
		}
		if strings.ContainsAny(key, "=\x00") {
			return fmt.Errorf("environment name %q contains invalid characters", key)
		}
		if strings.Contains(value, "\x00") {
			return fmt.Errorf("environment value for %s contains invalid characters", key)
		}
	}
	return nil
}

// ValidateLength validates a positive size no larger than max
func ValidateLength(n int, fieldName string, max int) error {
	if n <= 0 {
		return fmt.Errorf("%s must be positive", fieldName)
	}
	if n > max {
		return fmt.Errorf("%s must not exceed %d", fieldName, max)
	}
	return nil
}
