// Package random seeds pseudo-random sources from crypto/rand.
package random

import (
	crand "crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
)

// NewSeed draws a high-entropy seed for initializing a math/rand source.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, errors.Wrap(err, "read random seed")
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}
