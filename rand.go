package rfmesh

import (
	"crypto/rand"
	"io"
	mrand "math/rand"
)

// randFrameID returns a frame id in 1..255. Zero is reserved by the radio for
// "no response requested".
func randFrameID() byte {
	var buf [1]byte
	for {
		n, err := io.ReadFull(rand.Reader, buf[:])
		if n != 1 || err != nil {
			return byte(mrand.Intn(255) + 1)
		}
		if buf[0] != 0 {
			return buf[0]
		}
	}
}
