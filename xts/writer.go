package xts

import (
	"fmt"
	"io"
)

// WriterAt wraps an io.WriterAt and encrypts data on write using
// AES-XTS via a SectorCipher. Sector-aligned, sector-sized writes go
// straight through as encrypt-then-write. A write that starts or ends
// mid-sector triggers a read-modify-write cycle against src, the raw
// ciphertext reader for the same underlying storage: the covering
// sectors are read, decrypted, patched with the caller's bytes, and
// re-encrypted before being written back. src may be nil, in which
// case unaligned writes fail instead of silently corrupting
// neighboring plaintext.
type WriterAt struct {
	w      io.WriterAt
	src    io.ReaderAt
	cipher *SectorCipher
	size   int64
}

// NewWriterAt creates a new encrypting WriterAt over w, whose logical
// (plaintext) length is size. src, if non-nil, must read the same
// underlying ciphertext as w writes and is used to support unaligned
// writes via read-modify-write; pass nil to require sector-aligned
// writes only.
func NewWriterAt(w io.WriterAt, src io.ReaderAt, cipher *SectorCipher, size int64) *WriterAt {
	return &WriterAt{w: w, src: src, cipher: cipher, size: size}
}

// WriteAt implements io.WriterAt with encryption, falling back to
// read-modify-write for offsets or lengths that don't land on sector
// boundaries.
func (x *WriterAt) WriteAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("xts: negative offset")
	}
	if off >= x.size {
		return 0, io.ErrShortWrite
	}

	sectorSize := x.cipher.SectorSize()

	writeLen := int64(len(p))
	if off+writeLen > x.size {
		writeLen = x.size - off
	}

	if off%sectorSize == 0 && writeLen%sectorSize == 0 {
		return x.writeAligned(p[:writeLen], off, writeLen)
	}

	if x.src == nil {
		return 0, fmt.Errorf("xts: write offset %d length %d not sector-aligned (sector size %d) and no reader configured for read-modify-write", off, writeLen, sectorSize)
	}
	return x.writeUnaligned(p[:writeLen], off, writeLen)
}

func (x *WriterAt) writeAligned(p []byte, off, writeLen int64) (int, error) {
	sectorSize := x.cipher.SectorSize()

	encrypted := make([]byte, writeLen)
	copy(encrypted, p)

	startSector := uint64(off / sectorSize)
	if err := x.cipher.EncryptSectors(encrypted, startSector); err != nil {
		return 0, fmt.Errorf("xts: encryption failed: %w", err)
	}

	if _, err := x.w.WriteAt(encrypted, off); err != nil {
		return 0, err
	}
	return int(writeLen), nil
}

// writeUnaligned covers the partial-sector case: it reads the span of
// whole sectors covering [off, off+writeLen), decrypts whatever of
// that span already exists (treating sectors past the current extent
// of src as all-zero plaintext), splices p into place, and writes the
// whole span back encrypted.
func (x *WriterAt) writeUnaligned(p []byte, off, writeLen int64) (int, error) {
	sectorSize := x.cipher.SectorSize()

	alignedStart := (off / sectorSize) * sectorSize
	end := off + writeLen
	alignedEnd := ((end + sectorSize - 1) / sectorSize) * sectorSize
	if sizeCeil := ((x.size + sectorSize - 1) / sectorSize) * sectorSize; alignedEnd > sizeCeil {
		alignedEnd = sizeCeil
	}
	span := alignedEnd - alignedStart
	startSector := uint64(alignedStart / sectorSize)

	raw := make([]byte, span)
	rn, err := x.src.ReadAt(raw, alignedStart)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("xts: read-modify-write read failed: %w", err)
	}

	plain := make([]byte, span)
	completeSectors := int64(rn) / sectorSize
	decryptLen := completeSectors * sectorSize
	if decryptLen > 0 {
		copy(plain[:decryptLen], raw[:decryptLen])
		if err := x.cipher.DecryptSectors(plain[:decryptLen], startSector); err != nil {
			return 0, fmt.Errorf("xts: read-modify-write decrypt failed: %w", err)
		}
	}
	// Any sector beyond decryptLen hasn't been written before; its
	// plaintext stays zero until this write populates part of it.

	copy(plain[off-alignedStart:off-alignedStart+writeLen], p)

	if err := x.cipher.EncryptSectors(plain, startSector); err != nil {
		return 0, fmt.Errorf("xts: read-modify-write encrypt failed: %w", err)
	}
	if _, err := x.w.WriteAt(plain, alignedStart); err != nil {
		return 0, err
	}
	return int(writeLen), nil
}

// BaseWriter returns the underlying writer.
func (x *WriterAt) BaseWriter() io.WriterAt { return x.w }

// Cipher returns the sector cipher.
func (x *WriterAt) Cipher() *SectorCipher { return x.cipher }

// Size returns the logical size.
func (x *WriterAt) Size() int64 { return x.size }
