package remote

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// MockClient is an in-memory implementation of Client for testing
type MockClient struct {
	// Files maps remote paths to their content
	Files map[string]*MockFile

	// Dirs holds remote directories
	Dirs map[string]bool

	// Calls stores the operations that were performed, e.g. "rename /a/.mere~ /a/b"
	Calls []string

	// Errors maps an operation and path ("create /a/.mere~") to the error it returns
	Errors map[string]error

	// RenameErrors are returned by successive Rename calls before the
	// normal behavior applies; a nil entry falls through
	RenameErrors []error

	// Overwrite lets Rename replace an existing target, like posix-rename
	Overwrite bool

	// Closed records whether Close was called
	Closed bool
}

// MockFile is the content and mode of a remote file
type MockFile struct {
	Data []byte
	Mode os.FileMode
}

// Compile-time check that MockClient implements Client
var _ Client = (*MockClient)(nil)

// NewMockClient creates an empty MockClient
func NewMockClient() *MockClient {
	return &MockClient{
		Files:  make(map[string]*MockFile),
		Dirs:   map[string]bool{"/": true},
		Errors: make(map[string]error),
	}
}

// SetFile stores a remote file, creating its parent directories
func (m *MockClient) SetFile(p string, data []byte) {
	m.Files[p] = &MockFile{Data: data, Mode: 0o644}
	m.mkdirAll(path.Dir(p))
}

// SetError configures the error returned for an operation on a path
func (m *MockClient) SetError(op, p string, err error) {
	m.Errors[op+" "+p] = err
}

// CallsWithPrefix returns the recorded calls starting with prefix
func (m *MockClient) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range m.Calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears recorded calls and configured errors
func (m *MockClient) Reset() {
	m.Calls = nil
	m.Errors = make(map[string]error)
	m.RenameErrors = nil
}

func (m *MockClient) record(op string, paths ...string) error {
	m.Calls = append(m.Calls, op+" "+strings.Join(paths, " "))
	return m.Errors[op+" "+paths[0]]
}

// ReadDir lists files and directories directly below p
func (m *MockClient) ReadDir(p string) ([]os.FileInfo, error) {
	if err := m.record("readdir", p); err != nil {
		return nil, err
	}
	if !m.Dirs[p] {
		return nil, os.ErrNotExist
	}

	var infos []os.FileInfo
	for name, f := range m.Files {
		if path.Dir(name) == p {
			infos = append(infos, mockFileInfo{name: path.Base(name), size: int64(len(f.Data)), mode: f.Mode})
		}
	}
	for name := range m.Dirs {
		if name != p && path.Dir(name) == p {
			infos = append(infos, mockFileInfo{name: path.Base(name), mode: fs.ModeDir | 0o755})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos, nil
}

// Create returns a writer whose content is stored on Close
func (m *MockClient) Create(p string, perm os.FileMode) (io.WriteCloser, error) {
	if err := m.record("create", p); err != nil {
		return nil, err
	}
	if !m.Dirs[path.Dir(p)] {
		return nil, os.ErrNotExist
	}
	// Opening an existing file for writing needs the owner write bit
	if f, ok := m.Files[p]; ok && f.Mode&0o200 == 0 {
		return nil, os.ErrPermission
	}
	m.Files[p] = &MockFile{Mode: perm}
	return &mockWriter{client: m, path: p}, nil
}

// Rename moves a file, failing like plain SFTP when the target exists
// unless Overwrite is set
func (m *MockClient) Rename(oldname, newname string) error {
	if err := m.record("rename", oldname, newname); err != nil {
		return err
	}
	if len(m.RenameErrors) > 0 {
		err := m.RenameErrors[0]
		m.RenameErrors = m.RenameErrors[1:]
		if err != nil {
			return err
		}
	}

	f, ok := m.Files[oldname]
	if !ok {
		return os.ErrNotExist
	}
	if _, exists := m.Files[newname]; exists && !m.Overwrite {
		return &sftp.StatusError{Code: fxFailure}
	}
	m.Files[newname] = f
	delete(m.Files, oldname)
	return nil
}

// Remove deletes a file or an empty directory
func (m *MockClient) Remove(p string) error {
	if err := m.record("remove", p); err != nil {
		return err
	}
	if _, ok := m.Files[p]; ok {
		delete(m.Files, p)
		return nil
	}
	if m.Dirs[p] {
		for name := range m.Files {
			if path.Dir(name) == p {
				return &sftp.StatusError{Code: fxFailure}
			}
		}
		delete(m.Dirs, p)
		return nil
	}
	return os.ErrNotExist
}

// MkdirAll creates p and its parents
func (m *MockClient) MkdirAll(p string) error {
	if err := m.record("mkdir", p); err != nil {
		return err
	}
	m.mkdirAll(p)
	return nil
}

func (m *MockClient) mkdirAll(p string) {
	for ; p != "/" && p != "."; p = path.Dir(p) {
		m.Dirs[p] = true
	}
}

// Close marks the client closed
func (m *MockClient) Close() error {
	m.Closed = true
	return nil
}

type mockWriter struct {
	client *MockClient
	path   string
	buf    bytes.Buffer
}

func (w *mockWriter) Write(p []byte) (int, error) {
	if err := w.client.Errors["write "+w.path]; err != nil {
		return 0, err
	}
	return w.buf.Write(p)
}

func (w *mockWriter) Close() error {
	if f, ok := w.client.Files[w.path]; ok {
		f.Data = w.buf.Bytes()
	}
	return nil
}

type mockFileInfo struct {
	name string
	size int64
	mode os.FileMode
}

func (fi mockFileInfo) Name() string       { return fi.name }
func (fi mockFileInfo) Size() int64        { return fi.size }
func (fi mockFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi mockFileInfo) ModTime() time.Time { return time.Time{} }
func (fi mockFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi mockFileInfo) Sys() any           { return nil }
