// Package id provides ULID-based identifiers for the subprocess subsystem.
//
// Process identifiers are prefixed ULIDs ("proc_01J..."):
//   - Lexicographic sortability: IDs from one generator sort in creation order
//   - Prefixed types: readable in logs next to OS pids
//   - Type safety: ProcessID cannot be mixed up with other strings
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ProcessID identifies a spawned child process within a multiplexer
type ProcessID string

// ProcessPrefix is the prefix of every ProcessID
const ProcessPrefix = "proc"

// Generator generates monotonic ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator whose IDs increase strictly, even
// within the same millisecond
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewGeneratorWithEntropy creates a generator with custom entropy source.
// Useful for testing with deterministic entropy
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{
		entropy: entropy,
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewProcessID generates a ProcessID from g
func (g *Generator) NewProcessID() ProcessID {
	return ProcessID(g.GenerateWithPrefix(ProcessPrefix))
}

// NewProcessID generates a ProcessID from the default generator
func NewProcessID() ProcessID {
	return Default().NewProcessID()
}

func (id ProcessID) String() string { return string(id) }

// Valid reports whether id has the process prefix and a valid ULID
func (id ProcessID) Valid() bool {
	prefix, rest, ok := strings.Cut(string(id), "_")
	return ok && prefix == ProcessPrefix && IsValid(rest)
}

// IsValid checks if an ID string is a valid ULID
func IsValid(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// Parse parses a ULID string
func Parse(id string) (ulid.ULID, error) {
	return ulid.ParseStrict(id)
}

// Timestamp extracts the timestamp from a ULID
func Timestamp(id string) (time.Time, error) {
	parsed, err := Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
