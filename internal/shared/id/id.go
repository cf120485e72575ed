// Package id provides ULID-based identifier generation.
//
// Identifiers are:
//   - Lexicographically sortable by creation time
//   - Prefixed by type for readable logs (sess_*, conn_*)
//   - Unguessable: 80 bits of crypto/rand entropy per id
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// SessionID identifies a terminal session across reconnects.
type SessionID string

// ConnID identifies one physical client connection.
type ConnID string

// BackendID identifies one provisioned backend. A session keeps its id
// across backends; each backend gets a new one.
type BackendID string

const (
	SessionPrefix = "sess"
	ConnPrefix    = "conn"
	BackendPrefix = "bk"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewSessionID generates a fresh session id.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewConnID generates an id for a physical connection. Connection ids only
// need to be unique within a process lifetime, so a random UUID is enough.
func NewConnID() ConnID {
	return ConnID(ConnPrefix + "_" + uuid.NewString())
}

// NewBackendID generates an id for a provisioned backend.
func NewBackendID() BackendID {
	return BackendID(Default().GenerateWithPrefix(BackendPrefix))
}

func (id SessionID) String() string { return string(id) }
func (id ConnID) String() string    { return string(id) }
func (id BackendID) String() string { return string(id) }

// IsGenerated reports whether id has the shape of a generated session id.
// Client-proposed ids need not satisfy this.
func IsGenerated(id string) bool {
	rest, ok := strings.CutPrefix(id, SessionPrefix+"_")
	if !ok {
		return false
	}
	_, err := ulid.Parse(rest)
	return err == nil
}

// Timestamp extracts the creation time from a generated session id.
func Timestamp(id string) (time.Time, error) {
	rest, _ := strings.CutPrefix(id, SessionPrefix+"_")
	parsed, err := ulid.Parse(rest)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
