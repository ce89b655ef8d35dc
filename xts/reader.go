package xts

import (
	"fmt"
	"io"
)

// ReaderAt wraps an io.ReaderAt and decrypts data on read using
// AES-XTS, one sector at a time via a SectorCipher.
type ReaderAt struct {
	r      io.ReaderAt
	cipher *SectorCipher
	size   int64
}

// NewReaderAt creates a new decrypting ReaderAt over r, whose logical
// (decrypted) length is size.
func NewReaderAt(r io.ReaderAt, cipher *SectorCipher, size int64) *ReaderAt {
	return &ReaderAt{r: r, cipher: cipher, size: size}
}

// ReadAt implements io.ReaderAt, decrypting whole sectors that cover
// the requested range and copying out the requested slice.
func (x *ReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("xts: negative offset")
	}
	if off >= x.size {
		return 0, io.EOF
	}

	sectorSize := x.cipher.SectorSize()

	startSector := off / sectorSize
	endOffset := off + int64(len(p))
	if endOffset > x.size {
		endOffset = x.size
	}
	endSector := (endOffset + sectorSize - 1) / sectorSize

	alignedStart := startSector * sectorSize
	alignedLen := (endSector - startSector) * sectorSize
	alignedBuf := make([]byte, alignedLen)

	readN, err := x.r.ReadAt(alignedBuf, alignedStart)
	if err != nil && err != io.EOF {
		return 0, err
	}

	completeSectors := int64(readN) / sectorSize
	if completeSectors == 0 {
		if readN > 0 {
			return 0, fmt.Errorf("xts: partial sector read (%d bytes)", readN)
		}
		return 0, io.EOF
	}

	decryptLen := completeSectors * sectorSize
	if err := x.cipher.DecryptSectors(alignedBuf[:decryptLen], uint64(startSector)); err != nil {
		return 0, fmt.Errorf("xts: decryption failed: %w", err)
	}

	offsetInBuf := off - alignedStart
	available := decryptLen - offsetInBuf
	toCopy := int64(len(p))
	if toCopy > available {
		toCopy = available
	}
	copy(p[:toCopy], alignedBuf[offsetInBuf:offsetInBuf+toCopy])

	if off+toCopy >= x.size {
		return int(toCopy), io.EOF
	}
	return int(toCopy), nil
}

// BaseReader returns the underlying reader.
func (x *ReaderAt) BaseReader() io.ReaderAt { return x.r }

// Cipher returns the sector cipher (for constructing a matching writer).
func (x *ReaderAt) Cipher() *SectorCipher { return x.cipher }

// Size returns the logical size.
func (x *ReaderAt) Size() int64 { return x.size }
