package remote

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

const (
	// TempName is the reserved name a file is written under before it is
	// renamed into place. It ends in "~" so the path filter never mirrors it.
	TempName = ".mere~"

	// BufferSize is the copy buffer size for both reads and writes
	BufferSize = 64 * 1024

	// permMask keeps the low 12 permission bits (rwx plus setuid, setgid
	// and sticky); anything else is rejected by the remote side
	permMask = fs.ModePerm | fs.ModeSetuid | fs.ModeSetgid | fs.ModeSticky
)

// Transferer copies local files to the remote host atomically
type Transferer struct {
	local afero.Fs
}

// NewTransferer creates a Transferer reading from local (the OS
// filesystem when nil)
func NewTransferer(local afero.Fs) *Transferer {
	if local == nil {
		local = afero.NewOsFs()
	}
	return &Transferer{local: local}
}

// RemotePath maps a local absolute path to its remote counterpart. Files
// are mirrored to the same absolute path on the destination host.
func RemotePath(localPath string) string {
	return filepath.ToSlash(localPath)
}

// TempPath returns the temporary name used while writing dst
func TempPath(dst string) string {
	return path.Join(path.Dir(dst), TempName)
}

// Copy transfers one local file. The content is written to TempPath and
// renamed onto the final name only once every byte arrived, so a partial
// file is never visible under the final name.
func (t *Transferer) Copy(c Client, localPath string) error {
	start := time.Now()

	f, err := t.local.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", localPath)
	}

	length := info.Size()
	mode := info.Mode() & permMask
	dst := RemotePath(localPath)
	tmp := TempPath(dst)
	slog.Debug("copying", "path", localPath, "len", length, "mode", fmt.Sprintf("%o", mode.Perm()))

	w, err := createTemp(c, tmp, mode)
	if err != nil {
		return err
	}

	buf := make([]byte, BufferSize)
	// Hide ReaderFrom/WriterTo so the fixed buffer is really used
	copied, copyErr := io.CopyBuffer(struct{ io.Writer }{w}, struct{ io.Reader }{f}, buf)

	// The handle must be released before the name can be moved
	closeErr := w.Close()
	if copyErr != nil {
		return &OpError{Op: "write", Path: tmp, Err: copyErr}
	}
	if closeErr != nil {
		return &OpError{Op: "close", Path: tmp, Err: closeErr}
	}

	if copied != length {
		return &LengthMismatchError{Path: localPath, Copied: copied, Expected: length}
	}

	if err := renameInto(c, tmp, dst); err != nil {
		return err
	}

	slog.Info("copied", "path", localPath, "size", humanize.Bytes(uint64(length)), "elapsed", time.Since(start))
	return nil
}

// createTemp opens tmp for writing. A temporary file left behind by an
// interrupted copy of a read-only source keeps that source's mode, so when
// the server refuses to reopen it, it is removed and creation is retried
// exactly once.
func createTemp(c Client, tmp string, mode fs.FileMode) (io.WriteCloser, error) {
	w, err := c.Create(tmp, mode)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, fs.ErrPermission) {
		return nil, &OpError{Op: "create", Path: tmp, Err: err}
	}

	slog.Debug("temporary file not writable, removing", "path", tmp, "err", err)
	if err := c.Remove(tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &OpError{Op: "remove", Path: tmp, Err: err}
	}
	w, err = c.Create(tmp, mode)
	if err != nil {
		return nil, &OpError{Op: "create", Path: tmp, Err: err}
	}
	return w, nil
}

// renameInto moves tmp onto dst. When the server refuses because dst
// exists, dst is removed and the rename is retried exactly once.
func renameInto(c Client, tmp, dst string) error {
	err := c.Rename(tmp, dst)
	if err == nil {
		return nil
	}
	if !isDestinationExists(err) {
		return &OpError{Op: "rename", Path: dst, Err: err}
	}

	slog.Debug("rename target exists, removing", "path", dst, "err", err)
	if err := c.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &OpError{Op: "remove", Path: dst, Err: err}
	}
	if err := c.Rename(tmp, dst); err != nil {
		return &OpError{Op: "rename", Path: dst, Err: err}
	}
	return nil
}

// Remove unlinks the remote counterpart of localPath. A path that is
// already gone counts as removed.
func (t *Transferer) Remove(c Client, localPath string) error {
	start := time.Now()
	dst := RemotePath(localPath)
	slog.Debug("removing", "path", dst)

	if err := c.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &OpError{Op: "remove", Path: dst, Err: err}
	}

	slog.Info("removed", "path", localPath, "elapsed", time.Since(start))
	return nil
}
