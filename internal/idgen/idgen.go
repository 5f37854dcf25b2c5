// Package idgen generates identifiers for negotiations, ledger entries and escrow entries.
//
// IDs are UUIDv7 so that lexical order follows creation order, which keeps
// ledger rows and cursor pagination stable without a separate sequence.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a time-ordered UUID string.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// WithPrefix returns prefix + 32 hex chars of a time-ordered UUID (e.g. "neg_", "esc_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(New(), "-", "")
}
