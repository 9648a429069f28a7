package disk

import (
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskManager(t *testing.T) {
	t.Run("format sizes the image and writes a superblock", func(t *testing.T) {
		dm := CreateDisk(t, 8)

		info, err := os.Stat(dm.dbFile.Name())
		require.NoError(t, err)
		assert.Equal(t, int64(9*BlockSize), info.Size())
		assert.Equal(t, uint32(8), dm.NBlocks())
	})

	t.Run("open validates the superblock", func(t *testing.T) {
		dm := CreateDisk(t, 4)
		name := dm.dbFile.Name()
		require.NoError(t, dm.Close())

		reopened, err := Open(name)
		require.NoError(t, err)
		t.Cleanup(func() { _ = reopened.Close() })

		assert.Equal(t, uint32(4), reopened.NBlocks())
	})

	t.Run("open rejects an unformatted file", func(t *testing.T) {
		name := path.Join(t.TempDir(), "garbage.img")
		require.NoError(t, os.WriteFile(name, make([]byte, 4*BlockSize), 0644))

		_, err := Open(name)
		assert.ErrorIs(t, err, ErrBadImage)
	})

	t.Run("test reading and writing a block", func(t *testing.T) {
		dm := CreateDisk(t, 4)

		buf := make([]byte, BlockSize)
		copy(buf, []byte("hello world"))

		err := dm.writeBlock(1, buf)
		assert.NoError(t, err)

		res := make([]byte, BlockSize)
		err = dm.readBlock(1, res)
		assert.NoError(t, err)

		assert.Equal(t, buf, res)
	})

	t.Run("writes do not clobber the superblock", func(t *testing.T) {
		dm := CreateDisk(t, 2)

		buf := make([]byte, BlockSize)
		for i := range buf {
			buf[i] = 0xff
		}
		require.NoError(t, dm.writeBlock(0, buf))
		name := dm.dbFile.Name()
		require.NoError(t, dm.Close())

		reopened, err := Open(name)
		require.NoError(t, err)
		t.Cleanup(func() { _ = reopened.Close() })
	})

	t.Run("out of range blocks are rejected", func(t *testing.T) {
		dm := CreateDisk(t, 2)

		err := dm.readBlock(2, make([]byte, BlockSize))
		assert.ErrorIs(t, err, ErrBlockRange)

		err = dm.writeBlock(7, make([]byte, BlockSize))
		assert.ErrorIs(t, err, ErrBlockRange)
	})
}

func CreateDisk(t *testing.T, nblocks uint32) *Manager {
	t.Helper()
	name := path.Join(t.TempDir(), "fs.img")

	dm, err := Format(name, nblocks)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dm.Close()
	})

	return dm
}
