package disk

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/jobala/kcore/util"
	"golang.org/x/sys/unix"
)

const (
	// BlockSize is the size of a disk block in bytes.
	BlockSize = 1024

	// FSMagic identifies a formatted disk image.
	FSMagic = 0x10203040

	// maxRetries bounds the retries of a transient I/O failure.
	maxRetries = 3
)

var (
	ErrBlockRange = errors.New("block number out of range")
	ErrBadImage   = errors.New("not a formatted disk image")
	ErrNoDevice   = errors.New("no such device")
)

// Superblock is stored in the first block of every image. Data block n lives
// at byte offset (n+1)*BlockSize.
type Superblock struct {
	Magic     uint32
	BlockSize int
	NBlocks   uint32
}

// Format creates (or truncates) the image at path with room for nblocks data
// blocks and returns a manager for it.
func Format(path string, nblocks uint32) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("error creating disk image: %w", err)
	}

	sb := Superblock{Magic: FSMagic, BlockSize: BlockSize, NBlocks: nblocks}
	if err := file.Truncate(int64(nblocks+1) * BlockSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("error resizing disk image: %w", err)
	}

	header, err := util.ToBlock(sb, BlockSize)
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	dm := NewManager(file, sb)
	if err := dm.retry(func() error {
		_, err := file.WriteAt(header, 0)
		return err
	}); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("error writing superblock: %w", err)
	}

	return dm, nil
}

// Open opens a disk image previously created by Format.
func Open(path string) (*Manager, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening disk image: %w", err)
	}

	header := make([]byte, BlockSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	sb, err := util.FromBlock[Superblock](header)
	if err != nil || sb.Magic != FSMagic || sb.BlockSize != BlockSize {
		_ = file.Close()
		return nil, ErrBadImage
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	if info.Size() < int64(sb.NBlocks+1)*BlockSize {
		_ = file.Close()
		return nil, fmt.Errorf("%w: image truncated to %d bytes", ErrBadImage, info.Size())
	}

	return NewManager(file, sb), nil
}

// NewManager wraps an already formatted image file.
func NewManager(file *os.File, sb Superblock) *Manager {
	return &Manager{
		dbFile: file,
		sb:     sb,
	}
}

// NBlocks returns the number of data blocks on the device.
func (dm *Manager) NBlocks() uint32 {
	return dm.sb.NBlocks
}

// Close closes the image file.
func (dm *Manager) Close() error {
	return dm.dbFile.Close()
}

func (dm *Manager) writeBlock(blockno uint32, data []byte) error {
	offset, err := dm.offset(blockno, data)
	if err != nil {
		return err
	}

	err = dm.retry(func() error {
		_, err := dm.dbFile.WriteAt(data[:BlockSize], offset)
		return err
	})
	if err != nil {
		return fmt.Errorf("error writing at offset %d: %w", offset, err)
	}

	return nil
}

func (dm *Manager) readBlock(blockno uint32, buf []byte) error {
	offset, err := dm.offset(blockno, buf)
	if err != nil {
		return err
	}

	err = dm.retry(func() error {
		_, err := dm.dbFile.ReadAt(buf[:BlockSize], offset)
		return err
	})
	if err != nil {
		return fmt.Errorf("error reading from offset %d: %w", offset, err)
	}

	return nil
}

func (dm *Manager) offset(blockno uint32, buf []byte) (int64, error) {
	if blockno >= dm.sb.NBlocks {
		return -1, fmt.Errorf("%w: %d >= %d", ErrBlockRange, blockno, dm.sb.NBlocks)
	}
	if len(buf) < BlockSize {
		return -1, fmt.Errorf("short buffer: %d bytes", len(buf))
	}
	return int64(blockno+1) * BlockSize, nil
}

// retry runs op until it succeeds, fails with a non-transient error or runs
// out of attempts.
func (dm *Manager) retry(op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond
	policy.MaxInterval = 20 * time.Millisecond

	return backoff.Retry(func() error {
		err := op()
		if err == nil || transient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(policy, maxRetries))
}

func transient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN)
}

type Manager struct {
	dbFile *os.File
	sb     Superblock
}
