package remote

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const posixRenameExtension = "posix-rename@openssh.com"

// Client is the set of remote file operations the mirror needs
type Client interface {
	// ReadDir lists a remote directory
	ReadDir(path string) ([]os.FileInfo, error)

	// Create opens path for writing, creating or truncating it, with perm
	Create(path string, perm os.FileMode) (io.WriteCloser, error)

	// Rename moves oldname onto newname, overwriting when the server allows
	Rename(oldname, newname string) error

	// Remove unlinks a file or an empty directory
	Remove(path string) error

	// MkdirAll creates a directory and its missing parents
	MkdirAll(path string) error

	// Close releases the session
	Close() error
}

// Conn is an authenticated SFTP session to the destination host. It is
// valid for one convergence pass.
type Conn struct {
	ssh         *ssh.Client
	sftp        *sftp.Client
	posixRename bool

	// Method names the authentication strategy that succeeded
	Method string
}

// Compile-time check that Conn implements Client
var _ Client = (*Conn)(nil)

func newConn(sshClient *ssh.Client, method string) (*Conn, error) {
	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem: %w", err)
	}

	_, posix := sftpClient.HasExtension(posixRenameExtension)
	return &Conn{
		ssh:         sshClient,
		sftp:        sftpClient,
		posixRename: posix,
		Method:      method,
	}, nil
}

// ReadDir lists a remote directory
func (c *Conn) ReadDir(path string) ([]os.FileInfo, error) {
	return c.sftp.ReadDir(path)
}

// Create opens path for writing with the given permission bits
func (c *Conn) Create(path string, perm os.FileMode) (io.WriteCloser, error) {
	f, err := c.sftp.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, err
	}
	if err := f.Chmod(perm); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

// Rename uses posix-rename (overwrite, atomic) when the server supports it
func (c *Conn) Rename(oldname, newname string) error {
	if c.posixRename {
		return c.sftp.PosixRename(oldname, newname)
	}
	return c.sftp.Rename(oldname, newname)
}

// Remove unlinks a remote path
func (c *Conn) Remove(path string) error {
	return c.sftp.Remove(path)
}

// MkdirAll creates a remote directory tree
func (c *Conn) MkdirAll(path string) error {
	return c.sftp.MkdirAll(path)
}

// Close shuts down the SFTP subsystem and the transport
func (c *Conn) Close() error {
	return errors.Join(c.sftp.Close(), c.ssh.Close())
}
