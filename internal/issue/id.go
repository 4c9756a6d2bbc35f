package issue

import (
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// DefaultIDPrefix is used when no prefix is configured.
const DefaultIDPrefix = "todo"

// NewID generates an issue ID of the form <prefix>-<xxxx> with four
// random characters. gonanoid draws from crypto/rand, so IDs are safe to
// mint from concurrent processes. The keyspace is small enough that
// callers minting against an existing population must still check for
// collisions before writing.
func NewID(prefix string) string {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	raw, err := gonanoid.Generate(idAlphabet, 4)
	if err != nil {
		panic(err) // only possible with an invalid alphabet
	}
	return strings.ToLower(prefix) + "-" + raw
}
