// Package uuid provides worker identity helpers.
package uuid

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings.
type Generator struct {
	hostname func() (string, error)
}

// New creates a Generator that reads the host name from the OS.
func New() *Generator {
	return &Generator{hostname: os.Hostname}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID returns "<host>-<suffix>" where suffix is the random tail of a
// UUID7. When the host name is unavailable the bare UUID is returned.
func (g Generator) WorkerID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	if g.hostname == nil {
		return id, nil
	}
	host, err := g.hostname()
	if err != nil || host == "" {
		return id, nil //nolint:nilerr // fall back to the uuid alone
	}
	return host + "-" + id[len(id)-12:], nil
}
