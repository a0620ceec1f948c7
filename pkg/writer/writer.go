// Package writer persists segmentations. Every writer works in two phases:
// Stage writes temporary files next to their destination, Commit moves them
// into place and Discard removes them, so a failed run leaves no partial
// output behind.
package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"footseg/internal/models"
)

// Writer stages one output format of a segmentation.
type Writer interface {
	Name() string
	Stage(ctx context.Context, seg *models.Segmentation) (Staged, error)
}

// Staged is output written to temporary files and awaiting a decision.
type Staged interface {
	// Commit moves the staged files to their final paths.
	Commit() error

	// Discard removes the staged files.
	Discard() error

	// Paths lists the final paths the staged output will occupy.
	Paths() []string
}

// ErrDestination is returned when a final path cannot receive a file.
var ErrDestination = errors.New("output destination not usable")

// staging tracks temporary files and the final paths they map to.
type staging struct {
	tmp   []string
	final []string
	dirs  []string

	// filled by commit, consumed by rollback and finish
	moved   int
	backups map[int]string
}

// create opens a temporary file in the directory of final.
func (s *staging) create(final string) (*os.File, error) {
	if info, err := os.Stat(final); err == nil && info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrDestination, final)
	}
	dir := filepath.Dir(final)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		s.dirs = append(s.dirs, dir)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(final)+".*.partial")
	if err != nil {
		return nil, err
	}
	s.tmp = append(s.tmp, f.Name())
	s.final = append(s.final, final)
	if err := f.Chmod(0644); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// writeFile stages final, filling it with fill.
func (s *staging) writeFile(final string, fill func(f *os.File) error) (err error) {
	f, err := s.create(final)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return fill(f)
}

func (s *staging) Commit() error {
	if err := s.commit(); err != nil {
		return err
	}
	s.finish()
	return nil
}

// commit moves every staged file into place. Existing destinations are
// set aside first so a failure can restore them; on failure everything
// moved so far is rolled back and the staged files are removed.
func (s *staging) commit() error {
	s.moved = 0
	s.backups = make(map[int]string)
	for i, tmp := range s.tmp {
		final := s.final[i]
		info, err := os.Lstat(final)
		switch {
		case err == nil && info.IsDir():
			err = fmt.Errorf("%w: %s is a directory", ErrDestination, final)
		case err == nil:
			backup := tmp + ".orig"
			if err = os.Rename(final, backup); err == nil {
				s.backups[i] = backup
			}
		case errors.Is(err, os.ErrNotExist):
			err = nil
		}
		if err == nil {
			err = os.Rename(tmp, final)
		}
		if err != nil {
			if backup, ok := s.backups[i]; ok {
				os.Rename(backup, final)
				delete(s.backups, i)
			}
			s.rollback()
			return fmt.Errorf("commit %s: %w", final, err)
		}
		s.moved = i + 1
	}
	return nil
}

// rollback undoes a commit: moved files are removed, replaced files come
// back, and nothing staged is left behind.
func (s *staging) rollback() error {
	var errs []error
	for i := s.moved - 1; i >= 0; i-- {
		if err := os.Remove(s.final[i]); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		if backup, ok := s.backups[i]; ok {
			if err := os.Rename(backup, s.final[i]); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.moved = 0
	s.backups = nil
	errs = append(errs, s.Discard())
	return errors.Join(errs...)
}

// finish drops the backups of a successful commit.
func (s *staging) finish() {
	for _, backup := range s.backups {
		os.Remove(backup)
	}
	s.backups = nil
	s.moved = 0
	s.tmp = nil
	s.dirs = nil
}

func (s *staging) Discard() error {
	var errs []error
	for _, tmp := range s.tmp {
		if err := os.Remove(tmp); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.tmp = nil
	// directories created for staging go too, unless something else lives there
	for i := len(s.dirs) - 1; i >= 0; i-- {
		os.Remove(s.dirs[i])
	}
	s.dirs = nil
	return errors.Join(errs...)
}

func (s *staging) Paths() []string {
	return append([]string(nil), s.final...)
}

// stage runs fn against a fresh staging area and discards it on error.
func stage(ctx context.Context, fn func(s *staging) error) (Staged, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &staging{}
	if err := fn(s); err != nil {
		s.Discard()
		return nil, err
	}
	return s, nil
}

// Set stages every writer and commits them together.
type Set []Writer

// Stage stages all writers; if any fails, everything staged so far is
// discarded and the error returned.
func (ws Set) Stage(ctx context.Context, seg *models.Segmentation) (Staged, error) {
	all := make(multi, 0, len(ws))
	for _, w := range ws {
		st, err := w.Stage(ctx, seg)
		if err != nil {
			all.Discard()
			return nil, fmt.Errorf("%s writer: %w", w.Name(), err)
		}
		all = append(all, st)
	}
	return all, nil
}

type multi []Staged

// reversible is implemented by staged output whose commit can be undone
// until it is finished.
type reversible interface {
	commit() error
	rollback() error
	finish()
}

// Commit commits every member. When one fails, members already committed
// are rolled back and the rest are discarded.
func (m multi) Commit() error {
	for i, st := range m {
		var err error
		if r, ok := st.(reversible); ok {
			err = r.commit()
		} else {
			err = st.Commit()
		}
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				if r, ok := m[j].(reversible); ok {
					r.rollback()
				}
			}
			m[i+1:].Discard()
			return err
		}
	}
	for _, st := range m {
		if r, ok := st.(reversible); ok {
			r.finish()
		}
	}
	return nil
}

func (m multi) Discard() error {
	var errs []error
	for _, st := range m {
		errs = append(errs, st.Discard())
	}
	return errors.Join(errs...)
}

func (m multi) Paths() []string {
	var out []string
	for _, st := range m {
		out = append(out, st.Paths()...)
	}
	return out
}
