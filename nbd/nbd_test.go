package nbd

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lvdlvd/xtsaes/xts"
)

type memDisk struct {
	data []byte
}

func (m *memDisk) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memDisk) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

func TestNewEncryptedExportRoundTrips(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	sc, err := xts.NewSectorCipher(key, 512)
	require.NoError(t, err)

	disk := &memDisk{data: make([]byte, 1024)}
	exp := NewEncryptedExport("test", disk, sc, 1024)
	require.Equal(t, "test", exp.Name)
	require.Equal(t, int64(1024), exp.Size)
	require.NotNil(t, exp.Writer)

	plaintext := bytes.Repeat([]byte{0x5a}, 512)
	_, err = exp.Writer.WriteAt(plaintext, 0)
	require.NoError(t, err)

	// the underlying disk must hold ciphertext, not plaintext
	require.NotEqual(t, plaintext, disk.data[:512])

	readBack := make([]byte, 512)
	_, err = exp.Reader.ReadAt(readBack, 0)
	if err != nil {
		require.ErrorIs(t, err, io.EOF)
	}
	require.Equal(t, plaintext, readBack)
}

func TestNewEncryptedExportReadOnlyWhenNoWriter(t *testing.T) {
	key := make([]byte, 32)
	sc, err := xts.NewSectorCipher(key, 512)
	require.NoError(t, err)

	disk := &memDisk{data: make([]byte, 512)}
	exp := NewEncryptedExport("ro", readOnlyDisk{disk}, sc, 512)
	require.Nil(t, exp.Writer)
}

type readOnlyDisk struct {
	d *memDisk
}

func (r readOnlyDisk) ReadAt(p []byte, off int64) (int, error) { return r.d.ReadAt(p, off) }
