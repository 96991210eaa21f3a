package spool

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Pyxxilated-Studios/empath-sub001/internal/wire"
)

// systemDirs are rejected as spool roots, spec.md §4.F's path
// validation list.
var systemDirs = []string{"/etc", "/bin", "/sbin", "/usr/bin", "/boot", "/sys", "/proc", "/dev"}

// ErrInvalidPath is returned by NewFile when the configured root fails
// validation.
var ErrInvalidPath = fmt.Errorf("spool: invalid spool path")

// maxFileSize bounds a single spool file read, guarding against a
// corrupted length prefix causing an unbounded allocation.
const maxFileSize = 1 << 30 // 1 GiB

// File is the production Backend: one file per message under root,
// committed via write-tempfile/fsync/rename, deleted via
// rename-to-tombstone/unlink. This generalises chasquid's
// internal/safeio.WriteFile (tempfile + rename, no fsync) with the
// fsync-before-rename step and delete tombstoning spec.md §4.F
// requires; chasquid has no delete path to generalise from since its
// own queue unlinks spool files directly (internal/queue/queue.go).
type File struct {
	root string
	mu   sync.Mutex
}

// NewFile validates root and returns a File backend rooted there,
// sweeping any orphaned ".bin.deleted" tombstones left by a crash
// between rename and unlink.
func NewFile(root string) (*File, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidPath, root)
	}
	clean := filepath.Clean(root)
	if strings.Contains(root, "..") {
		return nil, fmt.Errorf("%w: %q contains '..'", ErrInvalidPath, root)
	}
	for _, sys := range systemDirs {
		if clean == sys || strings.HasPrefix(clean, sys+"/") {
			return nil, fmt.Errorf("%w: %q is under system directory %q", ErrInvalidPath, root, sys)
		}
	}

	if err := os.MkdirAll(clean, 0700); err != nil {
		return nil, err
	}

	f := &File{root: clean}
	if err := f.sweepTombstones(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) path(id ID, suffix string) string {
	return filepath.Join(f.root, id.String()+suffix)
}

func (f *File) Write(ctx *Context) (ID, error) {
	id := NewID(time.Now())
	if err := f.commit(id, ctx); err != nil {
		return ID{}, err
	}
	return id, nil
}

func (f *File) Update(id ID, ctx *Context) error {
	return f.commit(id, ctx)
}

// commit performs the write-tempfile/fsync/rename sequence shared by
// Write and Update; rename is the sole publication point.
func (f *File) commit(id ID, ctx *Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmpPath := f.path(id, ".bin.tmp")
	finalPath := f.path(id, ".bin")

	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	if err := wire.WriteFrame(tmp, encode(ctx)); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, finalPath)
}

func (f *File) Read(id ID) (*Context, error) {
	fh, err := os.Open(f.path(id, ".bin"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer fh.Close()

	payload, err := wire.ReadFrame(fh, maxFileSize)
	if err != nil {
		return nil, err
	}
	return decode(payload)
}

// Delete renames the committed file to a ".bin.deleted" tombstone, then
// unlinks it. A crash between the two leaves a tombstone a later
// NewFile call's sweep removes.
func (f *File) Delete(id ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	finalPath := f.path(id, ".bin")
	tombPath := f.path(id, ".bin.deleted")

	if err := os.Rename(finalPath, tombPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return os.Remove(tombPath)
}

func (f *File) List() ([]ID, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}

	var ids []ID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		stem, ok := strings.CutSuffix(name, ".bin")
		if !ok {
			continue
		}
		id, err := ParseID(stem)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (f *File) sweepTombstones() error {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ".bin.deleted") || strings.HasSuffix(e.Name(), ".bin.tmp") {
			os.Remove(filepath.Join(f.root, e.Name()))
		}
	}
	return nil
}
