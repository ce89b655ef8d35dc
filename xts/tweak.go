package xts

import (
	"crypto/cipher"
	"encoding/binary"
)

// sectorBytes encodes a 64-bit sector index as 16 little-endian bytes,
// zero-extended. Callers with genuine 128-bit sector spaces should use
// the *Raw entry points instead.
func sectorBytes(sector uint64) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], sector)
	return b
}

// incrementSectorRaw treats sector as a 128-bit little-endian integer
// and increments it by one, carrying across byte boundaries. Used to
// roll a raw 128-bit data-unit-sequence-number forward on sector
// rollover; wraps silently past 2^128, which is not reachable in
// practice.
func incrementSectorRaw(sector *[16]byte) {
	for i := 0; i < 16; i++ {
		sector[i]++
		if sector[i] != 0 {
			return
		}
	}
}

// tweakFromSectorBytes is the core tweak derivation both the uint64
// and raw 128-bit entry points converge on: T = E_K2(sector) * alpha^block.
func tweakFromSectorBytes(k2 cipher.Block, sector [16]byte, block uint64) [16]byte {
	t0 := sector
	k2.Encrypt(t0[:], t0[:])
	gfAdvanceTweak(&t0, block)
	return t0
}

// ComputeTweak is the stateless tweak generator: T_{s,j} = E_K2(encode(s)) * alpha^j.
// It holds no mutable state beyond the keyed AES context passed in.
func ComputeTweak(k2 cipher.Block, sector uint64, block uint64) [16]byte {
	return tweakFromSectorBytes(k2, sectorBytes(sector), block)
}

// ComputeTweakRaw is the 128-bit-sector variant: sector is supplied as
// a raw 16-byte little-endian encoding rather than widened from a
// uint64, for embedders with a genuine 128-bit data-unit-sequence-
// number space. Produces identical tweaks to ComputeTweak when the
// encoded numeric values match.
func ComputeTweakRaw(k2 cipher.Block, sector [16]byte, block uint64) [16]byte {
	return tweakFromSectorBytes(k2, sector, block)
}

// tweakIterator tracks (sector, blockInSector) and exposes the current
// tweak, advancing it one block at a time and rolling over to the next
// sector's alpha^0 tweak when a sector's last block is passed.
//
// Invariant: currentTweak == T(currentSectorRaw, currentBlockInSector)
// at every point the caller can observe.
type tweakIterator struct {
	k2 cipher.Block

	sectorSize      int64
	blocksPerSector uint64

	currentSector        uint64
	currentSectorRaw     [16]byte
	currentBlockInSector uint64
	currentTweak         [16]byte
}

// newTweakIterator keys the iterator's internal AES-ECB instance with
// k2 and positions it via reset.
func newTweakIterator(k2 cipher.Block) *tweakIterator {
	return &tweakIterator{k2: k2}
}

// reset validates sectorSize and startBlock, recomputes the
// sector-start tweak (E_K2 of the little-endian start sector), and
// advances it by startBlock.
func (it *tweakIterator) reset(sectorSize int64, startSector, startBlock uint64) error {
	return it.resetRaw(sectorSize, sectorBytes(startSector), startBlock)
}

// resetRaw is the 128-bit-sector variant of reset, for embedders that
// address data units with a raw 16-byte sequence number instead of a
// uint64 LBA.
func (it *tweakIterator) resetRaw(sectorSize int64, startSectorRaw [16]byte, startBlock uint64) error {
	if sectorSize < 16 {
		return errInvalidArgument("resetRaw", "sector size must be at least 16 bytes")
	}
	blocksPerSector := uint64((sectorSize + 15) / 16)
	if startBlock >= blocksPerSector {
		return errOutOfRange("resetRaw", "start block exceeds blocks per sector")
	}

	it.sectorSize = sectorSize
	it.blocksPerSector = blocksPerSector
	it.currentSector = binary.LittleEndian.Uint64(startSectorRaw[:8])
	it.currentSectorRaw = startSectorRaw
	it.currentBlockInSector = startBlock
	it.currentTweak = startSectorRaw
	it.k2.Encrypt(it.currentTweak[:], it.currentTweak[:])
	gfAdvanceTweak(&it.currentTweak, startBlock)
	return nil
}

// current returns a copy of the current 16-byte tweak.
func (it *tweakIterator) current() [16]byte {
	return it.currentTweak
}

// advance multiplies the current tweak by alpha and moves to the next
// block, recomputing the sector-start tweak on rollover. Tweaks never
// cross sector boundaries multiplicatively: each sector restarts at
// its own E_K2(sector) as alpha^0.
func (it *tweakIterator) advance() {
	gfDouble(&it.currentTweak)
	it.currentBlockInSector++
	if it.currentBlockInSector == it.blocksPerSector {
		it.currentBlockInSector = 0
		it.currentSector++
		incrementSectorRaw(&it.currentSectorRaw)
		it.currentTweak = it.currentSectorRaw
		it.k2.Encrypt(it.currentTweak[:], it.currentTweak[:])
	}
}

// takeAndAdvance copies the current tweak into out, then advances.
func (it *tweakIterator) takeAndAdvance(out *[16]byte) {
	*out = it.currentTweak
	it.advance()
}

// peekNext returns the tweak for the block immediately following the
// current one, without mutating iterator state. Used by ciphertext
// stealing, which needs T_{n-1} and T_n simultaneously.
func (it *tweakIterator) peekNext() [16]byte {
	next := it.currentTweak
	gfDouble(&next)
	return next
}

// dispose zeroizes the current tweak. The AES context's own key
// material is owned and zeroized by the Cipher that created it.
func (it *tweakIterator) dispose() {
	for i := range it.currentTweak {
		it.currentTweak[i] = 0
	}
}
