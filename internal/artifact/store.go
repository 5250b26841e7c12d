// Package artifact stores the per-stage blobs of each job on the local
// filesystem.
//
// Layout:
//
//	<root>/<job id>/input.dat
//	<root>/<job id>/bronze.dat
//	<root>/<job id>/silver.dat
//	<root>/<job id>/gold.dat
//
// A blob is published by writing a temporary file in the job directory,
// syncing it and renaming it over the final name, so readers observe either
// the complete previous state (absent) or the complete new blob.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/petrijr/costbook/pkg/api"
)

const (
	blobExt    = ".dat"
	tempMarker = ".tmp."
)

// Store is a filesystem artifact store rooted at a directory.
type Store struct {
	root string
}

// NewStore creates the root directory if needed.
func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, api.Validationf("artifact root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, api.StorageError("resolve artifact root", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, api.StorageError("create artifact root", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) jobDir(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || strings.ContainsAny(jobID, `/\`) {
		return "", api.Validationf("invalid job id %q", jobID)
	}
	return filepath.Join(s.root, jobID), nil
}

func (s *Store) path(jobID string, stage api.Stage) (string, error) {
	if !stage.Valid() {
		return "", api.Validationf("unknown artifact stage %q", stage)
	}
	dir, err := s.jobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, string(stage)+blobExt), nil
}

// Write atomically publishes data as the artifact of (jobID, stage),
// replacing any previous blob.
func (s *Store) Write(ctx context.Context, jobID string, stage api.Stage, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(jobID, stage)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, data); err != nil {
		return api.StorageError(fmt.Sprintf("write %s artifact", stage), err)
	}
	return nil
}

// Read returns the artifact of (jobID, stage), or api.ErrNotFound.
func (s *Store) Read(ctx context.Context, jobID string, stage api.Stage) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(jobID, stage)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, api.NotFoundf("%s artifact of job %s not found", stage, jobID)
	}
	if err != nil {
		return nil, api.StorageError(fmt.Sprintf("read %s artifact", stage), err)
	}
	return data, nil
}

// Exists reports whether the artifact of (jobID, stage) has been published.
func (s *Store) Exists(ctx context.Context, jobID string, stage api.Stage) (bool, error) {
	path, err := s.path(jobID, stage)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, api.StorageError("stat artifact", err)
	}
}

// Remove withdraws the artifact of (jobID, stage). The job directory is
// removed as well once it is empty. Removing an absent artifact is not an
// error.
func (s *Store) Remove(ctx context.Context, jobID string, stage api.Stage) error {
	path, err := s.path(jobID, stage)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return api.StorageError(fmt.Sprintf("remove %s artifact", stage), err)
	}
	// Fails harmlessly while other blobs remain.
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// Delete removes every artifact of jobID. Deleting a job without artifacts
// is not an error.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	dir, err := s.jobDir(jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return api.StorageError("delete artifacts", err)
	}
	return nil
}

// SweepTemp removes temporary files abandoned by writes that never reached
// the rename, e.g. because the process crashed. Files modified within
// olderThan are left alone since a live writer may still own them. It
// returns how many files were removed.
func (s *Store) SweepTemp(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.Contains(d.Name(), tempMarker) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, api.StorageError("sweep temporary artifacts", err)
	}
	return removed, nil
}

// Ping checks that the root directory is still present and writable.
func (s *Store) Ping(ctx context.Context) error {
	f, err := os.CreateTemp(s.root, "ping"+tempMarker+"*")
	if err != nil {
		return api.StorageError("artifact root not writable", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	committed := false
	defer func() {
		if !committed {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return err
	}
	if err := f.Chmod(0o644); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
