package xts

import "math"

// Process accepts the next fragment of input, buffers as needed, and
// writes to dst the ciphertext/plaintext blocks that are now safe to
// emit. At most 31 bytes remain buffered afterward, and never fewer
// than 16 once a block has been emitted, so the final two logical
// blocks are available for ciphertext stealing at Finalize. Input
// that brings the buffered total to 31 bytes or less is only
// buffered, and nothing is emitted. Returns the number of bytes
// written to dst.
func (c *Cipher) Process(dst, src []byte) (int, error) {
	if c.disposed {
		return 0, errInvalidState("Process", "cipher has been disposed")
	}

	n := int64(len(src))
	if c.mode == Independent && c.bytesInSector+n > c.sectorSize {
		return 0, errInvalidState("Process", "independent-mode data unit exceeds sector size")
	}

	emit := predictUpdateSize(int64(c.pendingLen), n)
	if int64(len(dst)) < emit {
		return 0, errInvalidArgument("Process", "output buffer too small")
	}

	total := c.pendingLen + len(src)
	if total <= len(c.pending) {
		copy(c.pending[c.pendingLen:total], src)
		c.pendingLen = total
		if c.mode == Independent {
			c.bytesInSector += n
		}
		return 0, nil
	}

	logical := make([]byte, total)
	copy(logical, c.pending[:c.pendingLen])
	copy(logical[c.pendingLen:], src)
	defer zeroSlice(logical)

	blocks := total / blockSize
	processLen := (blocks - 1) * blockSize

	for pos := 0; pos < processLen; pos += blockSize {
		tweak := c.it.current()
		transformBlock(c.k1, c.direction, dst[pos:pos+blockSize], logical[pos:pos+blockSize], tweak)
		c.it.advance()
	}

	zeroPending(&c.pending, c.pendingLen)
	c.pendingLen = total - processLen
	copy(c.pending[:c.pendingLen], logical[processLen:])

	if c.mode == Independent {
		c.bytesInSector += n
	}
	return processLen, nil
}

// ProcessByte is the per-byte variant of Process, for callers that
// only have a single byte at a time (e.g. reading from a stream).
func (c *Cipher) ProcessByte(dst []byte, b byte) (int, error) {
	return c.Process(dst, []byte{b})
}

// Finalize consumes any remaining buffered bytes plus an optional
// final trailing fragment, performs ciphertext stealing if the total
// data unit length is not block-aligned, writes the result to dst,
// and resets the cipher to its configured initial state on success.
func (c *Cipher) Finalize(dst, trailing []byte) (int, error) {
	if c.disposed {
		return 0, errInvalidState("Finalize", "cipher has been disposed")
	}

	n := int64(len(trailing))
	if c.mode == Independent && c.bytesInSector+n > c.sectorSize {
		return 0, errInvalidState("Finalize", "independent-mode data unit exceeds sector size")
	}

	total := c.pendingLen + len(trailing)
	if int64(len(dst)) < int64(total) {
		return 0, errInvalidArgument("Finalize", "output buffer too small")
	}
	if total == 0 {
		if err := c.Reset(); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if total < blockSize {
		return 0, errInvalidArgument("Finalize", "data unit shorter than one block")
	}

	rem := total % blockSize
	plainBlocks := total/blockSize - 1
	if rem != 0 && c.mode == Continuous && c.ctsCrossesSectorBoundary(plainBlocks) {
		return 0, errInvalidArgument("Finalize", "invalid data state for DoFinal at a sector boundary")
	}

	logical := make([]byte, total)
	copy(logical, c.pending[:c.pendingLen])
	copy(logical[c.pendingLen:], trailing)
	defer zeroSlice(logical)

	written := 0
	for i := 0; i < plainBlocks; i++ {
		pos := i * blockSize
		tweak := c.it.current()
		transformBlock(c.k1, c.direction, dst[pos:pos+blockSize], logical[pos:pos+blockSize], tweak)
		c.it.advance()
		written += blockSize
	}

	pos := plainBlocks * blockSize
	if rem == 0 {
		tweak := c.it.current()
		transformBlock(c.k1, c.direction, dst[pos:pos+blockSize], logical[pos:pos+blockSize], tweak)
		c.it.advance()
		written += blockSize
	} else {
		tLast := c.it.current()
		tFrag := c.it.peekNext()
		blockA := logical[pos : pos+blockSize]
		fragment := logical[pos+blockSize:]
		if c.direction == EncryptDirection {
			ctsEncrypt(c.k1, dst[pos:pos+blockSize+rem], blockA, fragment, tLast, tFrag)
		} else {
			ctsDecrypt(c.k1, dst[pos:pos+blockSize+rem], blockA, fragment, tLast, tFrag)
		}
		c.it.advance()
		c.it.advance()
		written += blockSize + rem
	}

	if err := c.Reset(); err != nil {
		return written, err
	}
	return written, nil
}

// ctsCrossesSectorBoundary reports whether, after plainBlocks ordinary
// blocks are processed from the current iterator position, the
// ciphertext-stealing pair (the following full block and its trailing
// fragment) would straddle a sector boundary: the full block would be
// the last block of its sector, so the fragment would belong to the
// next sector. XTS only defines CTS within a single data unit.
func (c *Cipher) ctsCrossesSectorBoundary(plainBlocks int) bool {
	blocksPerSector := c.it.blocksPerSector
	secondToLast := (c.it.currentBlockInSector + uint64(plainBlocks)) % blocksPerSector
	return secondToLast == blocksPerSector-1
}

func zeroSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// predictUpdateSize returns the number of bytes Process would emit
// given pendingLen currently buffered bytes and n new bytes.
func predictUpdateSize(pendingLen, n int64) int64 {
	total := pendingLen + n
	blocks := total / blockSize
	sz := (blocks - 1) * blockSize
	if sz < 0 {
		sz = 0
	}
	return sz
}

// PredictUpdateSize64 returns the number of bytes Process(n-byte
// input) will emit given the cipher's current buffered state.
func (c *Cipher) PredictUpdateSize64(n int64) (int64, error) {
	if c.disposed {
		return 0, errInvalidState("PredictUpdateSize64", "cipher has been disposed")
	}
	if c.mode == Independent && c.bytesInSector+n > c.sectorSize {
		return 0, errInvalidState("PredictUpdateSize64", "independent-mode data unit exceeds sector size")
	}
	return predictUpdateSize(int64(c.pendingLen), n), nil
}

// PredictUpdateSize32 is the 32-bit-addressed variant of
// PredictUpdateSize64; it additionally fails with InvalidState on
// signed 32-bit overflow of pending+n.
func (c *Cipher) PredictUpdateSize32(n int32) (int32, error) {
	if int64(c.pendingLen)+int64(n) > math.MaxInt32 {
		return 0, errInvalidState("PredictUpdateSize32", "pending + n overflows int32")
	}
	sz, err := c.PredictUpdateSize64(int64(n))
	if err != nil {
		return 0, err
	}
	return int32(sz), nil
}

// PredictFinalSize64 returns the number of bytes Finalize(n-byte
// trailing input) will emit: XTS preserves length, so this is simply
// the total data unit size.
func (c *Cipher) PredictFinalSize64(n int64) (int64, error) {
	if c.disposed {
		return 0, errInvalidState("PredictFinalSize64", "cipher has been disposed")
	}
	if c.mode == Independent && c.bytesInSector+n > c.sectorSize {
		return 0, errInvalidState("PredictFinalSize64", "independent-mode data unit exceeds sector size")
	}
	return int64(c.pendingLen) + n, nil
}

// PredictFinalSize32 is the 32-bit-addressed variant of
// PredictFinalSize64.
func (c *Cipher) PredictFinalSize32(n int32) (int32, error) {
	if int64(c.pendingLen)+int64(n) > math.MaxInt32 {
		return 0, errInvalidState("PredictFinalSize32", "pending + n overflows int32")
	}
	sz, err := c.PredictFinalSize64(int64(n))
	if err != nil {
		return 0, err
	}
	return int32(sz), nil
}
