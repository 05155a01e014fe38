package remote

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/mndot/mere/pkg/filter"
)

// Plan lists the operations needed to converge one remote directory
type Plan struct {
	Dir    string
	Copy   []string
	Delete []string
}

// IsEmpty reports whether the directory is already converged
func (p *Plan) IsEmpty() bool {
	return len(p.Copy) == 0 && len(p.Delete) == 0
}

// Result summarises an applied plan
type Result struct {
	Copied  int
	Removed int
	Failed  int
}

// Synchronizer converges a remote directory with a local one, using file
// size as the only convergence signal
type Synchronizer struct {
	local    afero.Fs
	allow    filter.Predicate
	transfer *Transferer
}

// NewSynchronizer creates a Synchronizer reading from local (the OS
// filesystem when nil)
func NewSynchronizer(local afero.Fs, allow filter.Predicate) *Synchronizer {
	if local == nil {
		local = afero.NewOsFs()
	}
	if allow == nil {
		allow = filter.IsMirrorable
	}
	return &Synchronizer{
		local:    local,
		allow:    allow,
		transfer: NewTransferer(local),
	}
}

// Transferer returns the transferer used to apply plans
func (s *Synchronizer) Transferer() *Transferer {
	return s.transfer
}

// Plan computes the copy and delete operations for dir. Only regular
// files are compared; subdirectories are left to their own pass.
func (s *Synchronizer) Plan(c Client, dir string) (*Plan, error) {
	remoteDir := RemotePath(dir)
	remoteEntries, err := c.ReadDir(remoteDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &OpError{Op: "readdir", Path: remoteDir, Err: err}
	}

	remoteSizes := make(map[string]int64, len(remoteEntries))
	for _, e := range remoteEntries {
		if e.Mode().IsRegular() {
			remoteSizes[e.Name()] = e.Size()
		}
	}

	localEntries, err := afero.ReadDir(s.local, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	plan := &Plan{Dir: dir}
	for _, e := range localEntries {
		if !e.Mode().IsRegular() {
			continue
		}
		size, ok := remoteSizes[e.Name()]
		delete(remoteSizes, e.Name())
		if ok && size == e.Size() {
			continue
		}
		if p := filepath.Join(dir, e.Name()); s.allow(p) {
			plan.Copy = append(plan.Copy, p)
		}
	}

	for name := range remoteSizes {
		if p := filepath.Join(dir, name); s.allow(p) {
			plan.Delete = append(plan.Delete, p)
		}
	}
	sort.Strings(plan.Delete)

	return plan, nil
}

// Sync creates the remote directory, computes its plan and applies it.
// Per-file failures are logged and counted; a lost connection aborts.
func (s *Synchronizer) Sync(c Client, dir string) (*Plan, *Result, error) {
	remoteDir := RemotePath(dir)
	if err := c.MkdirAll(remoteDir); err != nil {
		return nil, nil, &OpError{Op: "mkdir", Path: remoteDir, Err: err}
	}

	plan, err := s.Plan(c, dir)
	if err != nil {
		return nil, nil, err
	}

	result, err := s.Apply(c, plan)
	return plan, result, err
}

// Apply performs a plan's copies then its deletions
func (s *Synchronizer) Apply(c Client, plan *Plan) (*Result, error) {
	result := &Result{}

	for _, p := range plan.Copy {
		if err := s.transfer.Copy(c, p); err != nil {
			if IsConnectionLost(err) {
				return result, err
			}
			slog.Error("copy failed", "path", p, "err", err)
			result.Failed++
			continue
		}
		result.Copied++
	}

	for _, p := range plan.Delete {
		if err := s.transfer.Remove(c, p); err != nil {
			if IsConnectionLost(err) {
				return result, err
			}
			slog.Error("remove failed", "path", p, "err", err)
			result.Failed++
			continue
		}
		result.Removed++
	}

	return result, nil
}
