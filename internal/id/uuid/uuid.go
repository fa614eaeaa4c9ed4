// Package uuid mints the run IDs that tie one pipeline stage execution
// together across its log lines, its ledger row and its completion message.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator mints UUIDv7 run IDs. The leading 48 bits are the start time in
// milliseconds, so run IDs sort in the order the runs began.
type Generator struct{}

// New returns a Generator.
func New() *Generator { return &Generator{} }

// NewID returns the ID for a run that is starting now.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint run id: %w", err)
	}
	return id.String(), nil
}
