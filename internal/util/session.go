// Package util provides shared utility functions.
package util

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// NewSessionID returns a random, non-zero 64-bit token identifying one
// receiver session. It is derived from a random UUID and does not need to
// be reversible.
func NewSessionID() int64 {
	for {
		u := uuid.New()
		id := int64(binary.LittleEndian.Uint64(u[:8]) ^ binary.LittleEndian.Uint64(u[8:]))
		if id != 0 {
			return id
		}
	}
}
