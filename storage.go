package memlanes

import (
	"errors"
	"fmt"
	"os"
)

// Backing identifies the storage variant of a lane.
type Backing int32

const (
	// BackingHeap lanes own a buffer allocated from the Go heap.
	BackingHeap Backing = iota
	// BackingUnmanaged lanes own an anonymous OS mapping, released on
	// disposal (with a runtime-cleanup backstop if the owner forgets).
	BackingUnmanaged
	// BackingMapped lanes own a memory-mapped scratch file; disposal unmaps,
	// closes, and best-effort deletes it.
	BackingMapped
)

// String returns the backing's name.
func (b Backing) String() string {
	switch b {
	case BackingHeap:
		return `heap`
	case BackingUnmanaged:
		return `unmanaged`
	case BackingMapped:
		return `mapped`
	default:
		return fmt.Sprintf(`Backing(%d)`, int32(b))
	}
}

// laneStorage holds a lane's backing bytes plus whatever OS resources keep
// them valid. It is kept copyable so the runtime-cleanup backstop can
// release a snapshot of it without retaining the owning lane.
type laneStorage struct {
	file    *os.File
	path    string
	data    []byte
	backing Backing
}

func newLaneStorage(backing Backing, capacity int64, path string) (laneStorage, error) {
	switch backing {
	case BackingHeap:
		return laneStorage{backing: backing, data: make([]byte, capacity)}, nil

	case BackingUnmanaged:
		data, err := mapAnon(int(capacity))
		if err != nil {
			return laneStorage{}, wrapError(CodeInitFailure, `anonymous mapping failed`, err)
		}
		return laneStorage{backing: backing, data: data}, nil

	case BackingMapped:
		var f *os.File
		var err error
		if path == `` {
			f, err = os.CreateTemp(``, `memlane-*.dat`)
		} else {
			f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		}
		if err != nil {
			return laneStorage{}, wrapError(CodeInitFailure, `lane file creation failed`, err)
		}
		if err := f.Truncate(capacity); err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return laneStorage{}, wrapError(CodeInitFailure, `lane file truncate failed`, err)
		}
		data, err := mapFile(f, int(capacity))
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
			return laneStorage{}, wrapError(CodeInitFailure, `lane file mapping failed`, err)
		}
		return laneStorage{backing: backing, data: data, file: f, path: f.Name()}, nil

	default:
		return laneStorage{}, newErrorf(CodeMissingOrInvalidArgument, `unknown backing %d`, backing)
	}
}

// releaseLaneStorage returns the storage's OS resources. Safe on the zero
// value, and on an already released snapshot. Operates on a copy so it can
// double as the runtime-cleanup backstop.
func releaseLaneStorage(s laneStorage) error {
	var errs []error
	if s.data != nil {
		switch s.backing {
		case BackingUnmanaged:
			if err := unmapAnon(s.data); err != nil {
				errs = append(errs, err)
			}
		case BackingMapped:
			if err := unmapFile(s.data); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		// best effort; the file is scratch space
		_ = os.Remove(s.path)
	}
	return errors.Join(errs...)
}
