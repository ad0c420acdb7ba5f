// Package identity generates the identifiers that namespace in-flight
// captures so concurrent screenshots never collide before relocation.
package identity

import "github.com/google/uuid"

// Generator produces unique capture identifiers.
type Generator interface {
	Generate() string
}

// UUID generates random (version 4) UUID strings.
type UUID struct{}

// Generate returns a new random UUID string.
func (UUID) Generate() string {
	return uuid.NewString()
}

// Func adapts a plain function to a Generator.
type Func func() string

// Generate calls f.
func (f Func) Generate() string {
	return f()
}

// Default returns the generator used when none is configured.
func Default() Generator {
	return UUID{}
}
