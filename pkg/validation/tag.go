// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for caller-provided identifiers that end
// up in time-series tag values and Flux queries. Using these validators
// prevents injection attacks (Flux injection, line-protocol corruption) from
// identifiers that originate outside the process.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// tagValuePattern matches identifiers that are safe to emit as InfluxDB tag
// values and to interpolate into Flux filter predicates.
// Allows: letters, digits, underscores, dots, colons, hyphens (UUIDs).
// Max length: 128 characters.
var tagValuePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.:\-]{0,127}$`)

// ValidateTagValue validates an identifier destined for a time-series tag
// value, preventing Flux injection and line-protocol corruption.
//
// Valid values:
//   - 1-128 characters
//   - Letters, digits, underscores
//   - Dots, colons, and hyphens after the first character
//
// Returns an error if the value is invalid.
//
// Example:
//
//	if err := validation.ValidateTagValue(experimentID); err != nil {
//	    return fmt.Errorf("invalid experiment id: %w", err)
//	}
//	// Safe to use as a tag value or in a Flux query
func ValidateTagValue(value string) error {
	if value == "" {
		return fmt.Errorf("tag value cannot be empty")
	}

	if !tagValuePattern.MatchString(value) {
		return fmt.Errorf("invalid tag value: %q (must be 1-128 alphanumeric chars, underscores, dots, colons, or hyphens)", value)
	}

	return nil
}

// ValidateTagValues validates multiple tag values.
// Returns an error listing all invalid values if any fail validation.
func ValidateTagValues(values ...string) error {
	var invalid []string
	for _, v := range values {
		if err := ValidateTagValue(v); err != nil {
			invalid = append(invalid, v)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid tag values: %v", invalid)
	}
	return nil
}

// SanitizeTagValue normalizes and validates a tag value.
// Returns the trimmed value if valid, or an error if invalid.
//
// Use this when you need both validation and normalization:
//
//	safeID, err := validation.SanitizeTagValue(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeID is trimmed and validated
func SanitizeTagValue(value string) (string, error) {
	normalized := strings.TrimSpace(value)
	if err := ValidateTagValue(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
