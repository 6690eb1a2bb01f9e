package util

import "testing"

func TestWipe(t *testing.T) {
	a := []byte("secret")
	b := []byte{1, 2, 3}
	Wipe(a, nil, b)
	for _, buf := range [][]byte{a, b} {
		for i, v := range buf {
			if v != 0 {
				t.Fatalf("byte %d = %d after Wipe", i, v)
			}
		}
	}
}
