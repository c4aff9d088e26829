// Package idgen provides pluggable ID generation.
//
// Widget ids are short opaque base-36 strings (they appear in URLs, window
// titles and injected scripts); incarnation ids are UUIDv7 so extraction
// history sorts by creation time.
package idgen

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 IDs of the given length.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		for i := range buf {
			buf[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(buf)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

var (
	// Widget mints user-facing widget ids.
	Widget Generator = NanoID(10)
	// Modifier mints modifier ids, unique within their widget.
	Modifier Generator = Prefixed("mod_", NanoID(8))
	// Incarnation mints the internal id stamped on every widget creation.
	Incarnation Generator = UUIDv7()
)

// New produces an ID using the Incarnation generator.
func New() string {
	return Incarnation()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
