// Package idgen generates identifiers.
//
// Buy requests get short human-facing ids that users read out to operators,
// so they use an upper-case alphabet without look-alike characters.
// Everything else gets a prefixed UUID.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
)

// RequestAlphabet omits 0/O and 1/I.
const RequestAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// RequestIDLength is the random part of a request id.
const RequestIDLength = 10

var requestGen = mustGenerator(nanoid.CustomASCII(RequestAlphabet, RequestIDLength))

func mustGenerator(gen func() string, err error) func() string {
	if err != nil {
		panic("idgen: " + err.Error())
	}
	return gen
}

// RequestID returns a new human-facing buy request id, e.g. "BR7K2Q9XWDHM".
func RequestID() string {
	return "BR" + requestGen()
}

// New returns a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by a UUID without dashes (e.g. "wd_", "dsp_").
func WithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
