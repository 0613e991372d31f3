package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// envParser is a helper for parsing environment variables with validation.
// Errors are collected so every bad variable is reported at once.
type envParser struct {
	errors []string
}

func (p *envParser) err() error {
	if len(p.errors) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment:\n  - %s", strings.Join(p.errors, "\n  - "))
}

// parseString overrides target with a non-empty environment variable
func (p *envParser) parseString(envName string, target *string) {
	if val := os.Getenv(envName); val != "" {
		*target = val
	}
}

// parseDuration parses a duration environment variable, ensuring it's positive
func (p *envParser) parseDuration(envName string, target *time.Duration) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: invalid duration format (use '30s', '1m', etc.)", envName))
		return
	}

	if duration <= 0 {
		p.errors = append(p.errors, fmt.Sprintf("%s must be positive", envName))
		return
	}

	*target = duration
}

// parseInt parses an integer environment variable, ensuring it's positive
func (p *envParser) parseInt(envName string, target *int) {
	p.parseIntMin(envName, target, 1, "positive")
}

// parseNonNegativeInt parses an integer environment variable where 0 is allowed
func (p *envParser) parseNonNegativeInt(envName string, target *int) {
	p.parseIntMin(envName, target, 0, "zero or positive")
}

func (p *envParser) parseIntMin(envName string, target *int, minVal int, what string) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	intVal, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: must be a valid integer", envName))
		return
	}

	if intVal < minVal {
		p.errors = append(p.errors, fmt.Sprintf("%s must be %s", envName, what))
		return
	}

	*target = intVal
}

// parseByteSize parses a byte size environment variable, ensuring it's positive
func (p *envParser) parseByteSize(envName string, target *int) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	size, err := parseByteSize(val)
	if err != nil {
		p.errors = append(p.errors, fmt.Sprintf("%s: %v", envName, err))
		return
	}

	if size <= 0 {
		p.errors = append(p.errors, fmt.Sprintf("%s must be positive", envName))
		return
	}

	*target = size
}

// parseList parses a comma separated environment variable, dropping empty items
func (p *envParser) parseList(envName string, target *[]string) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	var items []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	if len(items) == 0 {
		p.errors = append(p.errors, fmt.Sprintf("%s must contain at least one value", envName))
		return
	}

	*target = items
}

// parseEnum parses an enum environment variable from a set of valid values
func (p *envParser) parseEnum(envName string, target *string, validValues map[string]bool) {
	val := os.Getenv(envName)
	if val == "" {
		return
	}

	normalized := strings.ToUpper(strings.TrimSpace(val))
	if !validValues[normalized] {
		validList := make([]string, 0, len(validValues))
		for k := range validValues {
			validList = append(validList, k)
		}
		sort.Strings(validList)
		p.errors = append(p.errors, fmt.Sprintf("%s must be one of: %s", envName, strings.Join(validList, ", ")))
		return
	}

	*target = normalized
}

// parseByteSize parses a byte size string (e.g., "2MB", "1024", "1.5GB")
// Supports: bytes (no suffix), KB, MB, GB
func parseByteSize(s string) (int, error) {
	s = strings.TrimSpace(strings.ToUpper(s))

	if val, err := strconv.Atoi(s); err == nil {
		return val, nil
	}

	// longer suffixes first so "B" does not swallow "MB"
	suffixes := []struct {
		suffix     string
		multiplier int
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, item := range suffixes {
		if !strings.HasSuffix(s, item.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(s, item.suffix))

		if val, err := strconv.Atoi(numStr); err == nil {
			if val < 0 {
				return 0, fmt.Errorf("negative values are not allowed")
			}
			return val * item.multiplier, nil
		}

		if val, err := strconv.ParseFloat(numStr, 64); err == nil {
			if val < 0 {
				return 0, fmt.Errorf("negative values are not allowed")
			}
			return int(val * float64(item.multiplier)), nil
		}

		return 0, fmt.Errorf("invalid numeric value: %s", numStr)
	}

	return 0, fmt.Errorf("invalid byte size format (use '2MB', '1024', '1.5GB', etc.)")
}
