// Package artifacts stores the zipped result directory of finished jobs.
package artifacts

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/buildos/buildos/internal/models"
)

// Store keeps one zip archive per job under a root directory.
type Store struct {
	root string
}

// New creates the store directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &Store{root: root}, nil
}

// Path returns where the archive of jobID lives.
func (s *Store) Path(jobID string) string {
	return filepath.Join(s.root, jobID+".zip")
}

// Archive zips the contents of srcDir into the archive of jobID and returns
// its size. The archive only becomes visible once it is complete.
func (s *Store) Archive(jobID, srcDir string) (int64, error) {
	tmp, err := os.CreateTemp(s.root, jobID+"-*.zip.tmp")
	if err != nil {
		return 0, fmt.Errorf("failed to create archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	if err := addDir(zw, srcDir); err != nil {
		zw.Close()
		tmp.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}

	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.Path(jobID)); err != nil {
		return 0, fmt.Errorf("failed to store archive: %w", err)
	}
	return info.Size(), nil
}

// Open returns the archive of jobID for reading.
func (s *Store) Open(jobID string) (*os.File, fs.FileInfo, error) {
	f, err := os.Open(s.Path(jobID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("artifact for job %s: %w", jobID, models.ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return f, info, nil
}

// Delete removes the archive of jobID. Deleting a missing archive is not an
// error.
func (s *Store) Delete(jobID string) error {
	if err := os.Remove(s.Path(jobID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

func addDir(zw *zip.Writer, srcDir string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			_, err := zw.Create(name + "/")
			return err
		case !info.Mode().IsRegular():
			// Symlinks and devices are not archived.
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(w, f); err != nil {
			return fmt.Errorf("failed to archive %s: %w", name, err)
		}
		return nil
	})
}
