// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handle implements the handle engine: format validation,
// reservation and protection lookups, similarity scoring, suggestion
// generation, the claim workflow and two-phase transfers. Handles are
// globally unique across every platform; all lookups use the case-folded
// form while the display form preserves the owner's casing.
package handle

import (
	"regexp"
	"strings"

	"github.com/entativa/eid/pkg/errors"
)

// Handle length bounds.
const (
	MinLength = 3
	MaxLength = 30
)

// formatPattern accepts 3 to 30 characters, alphanumeric at both ends,
// with dots, dashes and underscores allowed in between.
var formatPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{1,28}[A-Za-z0-9]$`)

// disallowedWords are system words no handle may contain, checked as
// substrings of the folded form. The reserved-handle list blocks exact
// matches; this blocks embeddings like "admin_42".
var disallowedWords = []string{
	"admin",
	"root",
	"support",
	"moderator",
	"staff",
	"system",
	"security",
	"entativa",
}

// Fold returns the canonical lookup form of a handle.
func Fold(handle string) string {
	return strings.ToLower(strings.TrimSpace(handle))
}

// isSeparator reports whether c is one of the allowed interior separators.
func isSeparator(c byte) bool {
	return c == '.' || c == '-' || c == '_'
}

// ValidateFormat checks a candidate handle against the format rules:
// length in [3, 30], alphanumeric ends, interior limited to alphanumerics
// and single separators. Runs of two or more separators are rejected even
// though the pattern allows them.
func ValidateFormat(handle string) error {
	if len(handle) < MinLength {
		return errors.NewInvalidFormatError("handle must be at least 3 characters", nil)
	}
	if len(handle) > MaxLength {
		return errors.NewInvalidFormatError("handle must be at most 30 characters", nil)
	}
	if !formatPattern.MatchString(handle) {
		return errors.NewInvalidFormatError(
			"handle may only contain letters, digits, '.', '-' and '_', and must start and end with a letter or digit", nil)
	}
	for i := 1; i < len(handle); i++ {
		if isSeparator(handle[i]) && isSeparator(handle[i-1]) {
			return errors.NewInvalidFormatError("handle may not contain consecutive separators", nil)
		}
	}
	return nil
}

// CheckContent rejects text embedding a system word. The validation
// pipeline runs it on folded candidates; registration and profile updates
// run it on display names so impersonating profiles are caught by the
// same list that guards handles.
func CheckContent(text string) error {
	folded := Fold(text)
	for _, word := range disallowedWords {
		if strings.Contains(folded, word) {
			return errors.NewInappropriateError("contains a disallowed word", nil)
		}
	}
	return nil
}
