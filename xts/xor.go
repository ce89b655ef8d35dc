package xts

import "crypto/subtle"

// xorBytes XORs the first min(len(a), len(b)) bytes of a and b into
// dst. It is the concrete realization of the mode's 16-byte XOR
// contract; crypto/subtle's implementation is constant-time and the
// compiler/runtime is free to vectorize it, matching the "choice of
// hardware-accelerated XOR left implementation-free" design note.
func xorBytes(dst, a, b []byte) {
	subtle.XORBytes(dst, a, b)
}
