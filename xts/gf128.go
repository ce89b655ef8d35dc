package xts

// GF(2^128) arithmetic for XTS tweaks. Elements are 16-byte
// little-endian bit strings: bit 0 of byte 0 is the x^0 coefficient,
// bit 7 of byte 15 is x^127. The reduction polynomial is
// p(x) = x^128 + x^7 + x^2 + x + 1, realized as the constant 0x87 fed
// into byte 0 whenever a left shift overflows past x^127.

const gf128Feedback = 0x87

// fastPowThreshold selects between iterated doubling and the
// square-and-multiply closed form for advancing a tweak by n blocks.
// Not load-bearing for correctness, only for which path is faster.
const fastPowThreshold = 2048

// gfDouble multiplies x by alpha (0x02) in place: one-step doubling
// with feedback on overflow.
func gfDouble(x *[16]byte) {
	var carry byte
	for i := 0; i < 16; i++ {
		next := x[i] >> 7
		x[i] = x[i]<<1 | carry
		carry = next
	}
	if carry != 0 {
		x[0] ^= gf128Feedback
	}
}

// gfMultiply sets a := a * b via schoolbook shift-and-add over GF(2),
// iterating the 128 bit positions of b from low to high. Uses two
// 16-byte scratch values and performs no heap allocation.
func gfMultiply(a *[16]byte, b [16]byte) {
	var result [16]byte
	var doubling [16]byte
	copy(doubling[:], a[:])

	for bit := 0; bit < 128; bit++ {
		byteIdx := bit / 8
		bitIdx := uint(bit % 8)
		if b[byteIdx]&(1<<bitIdx) != 0 {
			for i := 0; i < 16; i++ {
				result[i] ^= doubling[i]
			}
		}
		gfDouble(&doubling)
	}

	*a = result

	for i := range result {
		result[i] = 0
	}
	for i := range doubling {
		doubling[i] = 0
	}
}

// gfPowAlpha computes alpha^n into out via square-and-multiply:
// O(log n) multiplies, each O(1) in the field size.
func gfPowAlpha(n uint64, out *[16]byte) {
	result := [16]byte{1}
	base := [16]byte{2}

	for n > 0 {
		if n&1 != 0 {
			gfMultiply(&result, base)
		}
		n >>= 1
		if n > 0 {
			gfMultiply(&base, base)
		}
	}

	*out = result

	for i := range result {
		result[i] = 0
	}
	for i := range base {
		base[i] = 0
	}
}

// gfAdvanceTweak multiplies tweak by alpha^n in place, choosing
// iterated doubling for small n (cache-friendly, no multiply overhead)
// and the closed-form power for large n.
func gfAdvanceTweak(tweak *[16]byte, n uint64) {
	if n < fastPowThreshold {
		for i := uint64(0); i < n; i++ {
			gfDouble(tweak)
		}
		return
	}
	var alphaN [16]byte
	gfPowAlpha(n, &alphaN)
	gfMultiply(tweak, alphaN)
}
