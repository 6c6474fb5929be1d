package core

import (
	"crypto/rand"
	"encoding/binary"
)

// randomID returns a uniformly random non-zero 64-bit identifier. Uniqueness
// against the live tables is the caller's job: the lookup-then-insert happens
// under the owning registry mutex.
func randomID() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand only fails if the OS entropy source is broken,
			// at which point the process has bigger problems.
			panic(err)
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id
		}
	}
}
