// Package uuid generates identifiers for queue items and offline-created records.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// TemporaryPrefix marks identifiers minted locally while offline. It only
// aids humans reading the data; reconciliation goes through the ID mapping
// table, never through this prefix.
const TemporaryPrefix = "tmp-"

var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a new UUID v4.
func New() string {
	return uuid.New().String()
}

// NewTemporary generates a placeholder record identifier.
func NewTemporary() string {
	return TemporaryPrefix + uuid.New().String()
}

// LooksTemporary reports whether id has the shape NewTemporary produces.
// Sync decisions use the queue and the ID mapping table instead.
func LooksTemporary(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix) && IsValid(strings.TrimPrefix(id, TemporaryPrefix))
}

// IsValid checks if a string is a valid UUID v4.
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
