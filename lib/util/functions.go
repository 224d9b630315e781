package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// Identifiers
// --------------------------------------------------------------------------

// RandomID returns a random non-zero uint64. Replica ids and awareness
// client ids are drawn from it; zero is reserved for "no id".
func RandomID() uint64 {
	var b [8]byte
	for {
		var id uint64
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand failing is not expected, fall back to the clock
			id = uint64(time.Now().UnixNano())
		} else {
			id = binary.LittleEndian.Uint64(b[:])
		}
		if id != 0 {
			return id
		}
	}
}
