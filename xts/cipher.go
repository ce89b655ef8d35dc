// Package xts implements the XTS-AES block-cipher mode (IEEE P1619,
// NIST SP 800-38E): a buffered, streaming encryptor/decryptor that
// transforms arbitrary-length data units under two AES keys, with
// tweaks derived over GF(2^128) and ciphertext stealing for
// non-block-aligned tails.
//
// Unlike golang.org/x/crypto/xts, which requires a whole sector's
// plaintext/ciphertext up front, Cipher accepts arbitrarily fragmented
// input via Process and performs ciphertext stealing lazily in
// Finalize, buffering at most 31 bytes between calls.
package xts

import (
	"crypto/aes"
	"crypto/cipher"
)

// blockSize is the block size AES-XTS operates on; fixed by the mode.
const blockSize = 16

// Direction fixes whether a Cipher encrypts or decrypts; it is chosen
// at construction and never changes.
type Direction int

const (
	EncryptDirection Direction = iota
	DecryptDirection
)

// Mode selects whether the logical stream spans many sectors
// (Continuous) or a single call is bounded to one sector (Independent).
type Mode int

const (
	// Continuous streams across sector boundaries; the tweak iterator
	// rolls over automatically and no per-sector length check applies.
	Continuous Mode = iota
	// Independent treats one invocation as at most one data unit;
	// exceeding SectorSize fails immediately without mutating state.
	Independent
)

// Params configures a Cipher. Key1 and Key2 must each be 16 or 32
// bytes (AES-128 or AES-256) and of equal length; SectorSize must be
// at least 16 bytes.
type Params struct {
	Mode             Mode
	Key1             []byte
	Key2             []byte
	SectorSize       int64
	StartSectorIndex uint64
}

// Cipher is a buffered, streaming XTS-AES encryptor or decryptor. It
// is not safe for concurrent use; disjoint instances may run in
// parallel without coordination.
type Cipher struct {
	direction Direction
	mode      Mode

	k1 cipher.Block
	it *tweakIterator

	startSector uint64
	sectorSize  int64

	pending    [2*blockSize - 1]byte
	pendingLen int

	bytesInSector int64

	disposed bool
}

// New constructs a Cipher for the given direction and parameters.
func New(direction Direction, p Params) (*Cipher, error) {
	if len(p.Key1) != len(p.Key2) {
		return nil, errInvalidArgument("New", "key1 and key2 must be the same length")
	}
	switch len(p.Key1) {
	case 16, 32:
	default:
		return nil, errInvalidArgument("New", "keys must be 16 or 32 bytes (AES-128 or AES-256)")
	}
	if p.SectorSize < blockSize {
		return nil, errInvalidArgument("New", "sector size must be at least 16 bytes")
	}

	k1, err := aes.NewCipher(p.Key1)
	if err != nil {
		return nil, errInvalidArgument("New", err.Error())
	}
	k2, err := aes.NewCipher(p.Key2)
	if err != nil {
		return nil, errInvalidArgument("New", err.Error())
	}

	c := &Cipher{
		direction:   direction,
		mode:        p.Mode,
		k1:          k1,
		it:          newTweakIterator(k2),
		startSector: p.StartSectorIndex,
		sectorSize:  p.SectorSize,
	}
	if err := c.it.reset(c.sectorSize, c.startSector, 0); err != nil {
		return nil, err
	}
	return c, nil
}

// BlockSize returns the cipher's underlying block size, always 16.
func (c *Cipher) BlockSize() int { return blockSize }

// AlgorithmName identifies the cipher mode, for logging and diagnostics.
func (c *Cipher) AlgorithmName() string { return "AES/XTS" }

// Reset clears pending bytes and the per-sector byte counter, and
// rewinds the tweak iterator to the configured start sector. On a
// disposed cipher it fails with InvalidState; call New again instead.
func (c *Cipher) Reset() error {
	if c.disposed {
		return errInvalidState("Reset", "cipher has been disposed")
	}
	zeroPending(&c.pending, c.pendingLen)
	c.pendingLen = 0
	c.bytesInSector = 0
	return c.it.reset(c.sectorSize, c.startSector, 0)
}

// ResetRaw is the 128-bit-sector variant of Reset: it rewinds the
// tweak iterator to startSectorRaw, a raw 16-byte little-endian
// data-unit-sequence-number, instead of the uint64 sector index
// configured in Params. Subsequent sector rollover (Continuous mode)
// increments this raw value as a 128-bit little-endian integer.
func (c *Cipher) ResetRaw(startSectorRaw [16]byte) error {
	if c.disposed {
		return errInvalidState("ResetRaw", "cipher has been disposed")
	}
	zeroPending(&c.pending, c.pendingLen)
	c.pendingLen = 0
	c.bytesInSector = 0
	return c.it.resetRaw(c.sectorSize, startSectorRaw, 0)
}

// Dispose zeroizes all sensitive internal state: pending plaintext or
// ciphertext, and the tweak iterator's current tweak. The underlying
// AES key schedules are owned by crypto/aes and released for GC once
// the Cipher itself is unreferenced. After Dispose, every operation
// that returns an error fails with InvalidState.
func (c *Cipher) Dispose() {
	zeroPending(&c.pending, len(c.pending))
	c.pendingLen = 0
	c.it.dispose()
	c.disposed = true
}

func zeroPending(b *[2*blockSize - 1]byte, n int) {
	for i := 0; i < n && i < len(b); i++ {
		b[i] = 0
	}
}

func transformBlock(k1 cipher.Block, dir Direction, dst, src []byte, tweak [16]byte) {
	var tmp [16]byte
	xor16(tmp[:], src, tweak[:])
	if dir == EncryptDirection {
		k1.Encrypt(tmp[:], tmp[:])
	} else {
		k1.Decrypt(tmp[:], tmp[:])
	}
	xor16(dst, tmp[:], tweak[:])
	for i := range tmp {
		tmp[i] = 0
	}
}

// xor16 is the 16-byte XOR contract the mode is specified against;
// crypto/subtle gives a constant-time, allocation-free implementation
// that the runtime may vectorize.
func xor16(dst, a, b []byte) {
	xorBytes(dst, a, b)
}
