package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/otcheredev/dicom-archive/internal/errs"
)

// FilesystemStore lays blobs out under root as
// <first-two-hex>/<next-two-hex>/<uuid>. Writes go through a temporary file
// and a rename so no partial blob is ever observable.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the store root if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FilesystemStore{root: root}, nil
}

func (s *FilesystemStore) path(uuid string) (string, error) {
	if len(uuid) < 4 {
		return "", errs.Newf(errs.InexistentFile, "malformed blob uuid %q", uuid)
	}
	return filepath.Join(s.root, uuid[0:2], uuid[2:4], uuid), nil
}

// Put durably stores data under uuid.
func (s *FilesystemStore) Put(uuid string, data []byte) error {
	path, err := s.path(uuid)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), uuid+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temporary blob: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish blob: %w", err)
	}
	return nil
}

// Get returns the stored bytes, or InexistentFile for unknown uuids.
func (s *FilesystemStore) Get(uuid string) ([]byte, error) {
	path, err := s.path(uuid)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Newf(errs.InexistentFile, "unknown blob %s", uuid)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", uuid, err)
	}
	return data, nil
}

// Delete removes a blob. Deleting an unknown uuid is not an error; removal
// after a rolled-back ingest may race with recycling.
func (s *FilesystemStore) Delete(uuid string) error {
	path, err := s.path(uuid)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", uuid, err)
	}
	return nil
}
