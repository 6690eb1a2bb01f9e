package util

import "runtime"

// Wipe zeroes every buffer passed in. Nil buffers are skipped.
func Wipe(bufs ...[]byte) {
	for _, b := range bufs {
		for i := range b {
			b[i] = 0
		}
		runtime.KeepAlive(b)
	}
}
