package xts

import "crypto/cipher"

// ctsEncrypt performs ciphertext stealing over the final two logical
// blocks of a data unit: pLast is the full 16-byte penultimate block,
// pFrag is the final m-byte (1..15) fragment. tLast and tFrag are the
// tweaks for those two block positions, tLast preceding tFrag.
//
// Output is written as cLast (16 bytes) followed by cFrag (m bytes)
// into dst, which must have capacity for 16+len(pFrag) bytes.
func ctsEncrypt(k1 cipher.Block, dst, pLast, pFrag []byte, tLast, tFrag [16]byte) {
	m := len(pFrag)

	var cc [16]byte
	transformBlock(k1, EncryptDirection, cc[:], pLast, tLast)

	var pPrime [16]byte
	copy(pPrime[:m], pFrag)
	copy(pPrime[m:], cc[m:])

	var cLast [16]byte
	transformBlock(k1, EncryptDirection, cLast[:], pPrime[:], tFrag)

	copy(dst[:16], cLast[:])
	copy(dst[16:16+m], cc[:m])

	for i := range cc {
		cc[i] = 0
	}
	for i := range pPrime {
		pPrime[i] = 0
	}
}

// ctsDecrypt is the symmetric inverse of ctsEncrypt: cLast is the
// 16-byte penultimate ciphertext block, cFrag is the final m-byte
// fragment, tLast precedes tFrag. Output is pLast (16 bytes) followed
// by pFrag (m bytes).
func ctsDecrypt(k1 cipher.Block, dst, cLast, cFrag []byte, tLast, tFrag [16]byte) {
	m := len(cFrag)

	var pp [16]byte
	transformBlock(k1, DecryptDirection, pp[:], cLast, tFrag)

	var ccPrime [16]byte
	copy(ccPrime[:m], cFrag)
	copy(ccPrime[m:], pp[m:])

	var pLast [16]byte
	transformBlock(k1, DecryptDirection, pLast[:], ccPrime[:], tLast)

	copy(dst[:16], pLast[:])
	copy(dst[16:16+m], pp[:m])

	for i := range pp {
		pp[i] = 0
	}
	for i := range ccPrime {
		ccPrime[i] = 0
	}
	for i := range pLast {
		pLast[i] = 0
	}
}
