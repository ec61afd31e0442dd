package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random hex ID suitable for request correlation.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
