// Package uuid provides identifier generation for locally created entities.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TempPrefix marks client-generated temporary identifiers. A record keeps its
// temporary identifier until the server assigns a numeric one.
const TempPrefix = "tmp_"

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTemp generates a new temporary identifier for a locally created record.
func NewTemp() string {
	return TempPrefix + uuid.New().String()
}

// IsTemp reports whether an identifier is a client-generated temporary one.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}

// ValidateTemp returns an error if the string is not a valid temporary
// identifier (tmp_ prefix followed by a UUID v4).
func ValidateTemp(s string) error {
	if !IsTemp(s) {
		return fmt.Errorf("missing %q prefix: %q", TempPrefix, s)
	}
	return Validate(strings.TrimPrefix(s, TempPrefix))
}
