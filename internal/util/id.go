package util

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID returns a lowercase ULID, optionally prefixed. IDs sort by creation time,
// including ids minted within the same millisecond.
func NewID(prefix string) string {
	id := strings.ToLower(ulid.Make().String())
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewHandle returns a random UUID for ephemeral handles such as live sessions and request ids.
func NewHandle() string {
	return uuid.NewString()
}
