package gtm

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xgtm-server/util"
)

// ControlFile persists the GXID counter across clean restarts. The registry
// checkpoints through it every controlInterval allocations and once more on
// shutdown.
type ControlFile interface {
	Load() (GXID, error)
	Save(gxid GXID) error
}

const (
	controlMagic   = uint32(0x5847544D) // "XGTM"
	controlVersion = uint32(1)
	controlSize    = 4 + 4 + 4 + 8 // magic, version, gxid, checksum
)

// FileControl stores the counter in a fixed-size binary file guarded by an
// xxhash checksum, so a torn write is detected instead of restoring a bogus
// counter.
type FileControl struct {
	path string
}

// NewFileControl builds a control file at path; nothing is created until the
// first Save.
func NewFileControl(path string) *FileControl {
	return &FileControl{path: path}
}

// Load reads the counter back. A missing file is not an error: the returned
// GXID is invalid and the caller falls back to its configured start value.
func (c *FileControl) Load() (GXID, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return InvalidGXID, nil
	}
	if err != nil {
		return InvalidGXID, errors.Wrapf(err, "read control file %s", c.path)
	}
	if len(data) != controlSize {
		return InvalidGXID, errors.Errorf("control file %s has size %d, want %d", c.path, len(data), controlSize)
	}
	if binary.BigEndian.Uint32(data[0:4]) != controlMagic {
		return InvalidGXID, errors.Errorf("control file %s has bad magic", c.path)
	}
	if binary.BigEndian.Uint32(data[4:8]) != controlVersion {
		return InvalidGXID, errors.Errorf("control file %s has unsupported version %d",
			c.path, binary.BigEndian.Uint32(data[4:8]))
	}
	if binary.BigEndian.Uint64(data[12:20]) != util.HashCode(data[:12]) {
		return InvalidGXID, errors.Errorf("control file %s checksum mismatch", c.path)
	}
	return GXID(binary.BigEndian.Uint32(data[8:12])), nil
}

// Save writes the counter atomically: write a temp file, fsync, rename.
func (c *FileControl) Save(gxid GXID) error {
	data := make([]byte, controlSize)
	binary.BigEndian.PutUint32(data[0:4], controlMagic)
	binary.BigEndian.PutUint32(data[4:8], controlVersion)
	binary.BigEndian.PutUint32(data[8:12], uint32(gxid))
	binary.BigEndian.PutUint64(data[12:20], util.HashCode(data[:12]))

	tmp := c.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create control file %s", tmp)
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write control file %s", tmp)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync control file %s", tmp)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "close control file %s", tmp)
	}
	if err = os.Rename(tmp, c.path); err != nil {
		return errors.Wrapf(err, "rename control file %s", c.path)
	}
	return nil
}

// Path returns the backing file location.
func (c *FileControl) Path() string {
	return filepath.Clean(c.path)
}
