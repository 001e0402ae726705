package index

import (
	"errors"
	"sync"

	"gorm.io/gorm"

	"github.com/otcheredev/dicom-archive/internal/errs"
)

// Index is the transactional relational store over the four-level hierarchy.
// It is single-writer, multi-reader: state-mutating entry points serialize on
// a process-wide exclusive lock, readers share it.
type Index struct {
	db *gorm.DB
	mu sync.RWMutex
}

// New wraps an opened database.
func New(db *gorm.DB) *Index {
	return &Index{db: db}
}

// Tx is the handle passed to transactional closures. All mutations of the
// index go through it so that atomicity and change-log coupling hold.
type Tx struct {
	db *gorm.DB
}

// Update runs fn inside a serializable write transaction under the exclusive
// lock. A returned error rolls everything back.
func (i *Index) Update(fn func(tx *Tx) error) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	err := i.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{db: tx})
	})
	if err != nil && errs.KindOf(err) == errs.InternalError {
		return errs.Wrap(errs.Database, "transaction failed", err)
	}
	return err
}

// View runs fn with read-only access under the shared lock.
func (i *Index) View(fn func(tx *Tx) error) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return fn(&Tx{db: i.db})
}

// dbErr classifies a gorm error into the archive error kinds.
func dbErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errs.Wrap(errs.InexistentItem, msg, err)
	}
	return errs.Wrap(errs.Database, msg, err)
}
