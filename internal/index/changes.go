package index

import (
	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/models"
)

// LogChange appends one record to the change log. It runs inside the
// caller's transaction so the record commits with the state change it
// describes.
func (t *Tx) LogChange(kind models.ChangeKind, level dicom.Level, publicID string) (models.Change, error) {
	row := models.Change{
		Kind:     kind,
		Level:    level.String(),
		PublicID: publicID,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return models.Change{}, dbErr(err, "failed to log change")
	}
	return row, nil
}

// ReadChanges returns the window (since, since+limit] of the change log and
// whether the window reached the current tail. since = 0 reads from the
// beginning.
func (t *Tx) ReadChanges(since int64, limit int) ([]models.Change, bool, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Change
	err := t.db.Where("seq > ?", since).
		Order("seq ASC").
		Limit(limit + 1).
		Find(&rows).Error
	if err != nil {
		return nil, false, dbErr(err, "failed to read changes")
	}
	done := len(rows) <= limit
	if !done {
		rows = rows[:limit]
	}
	return rows, done, nil
}

// LastChangeSeq returns the sequence number of the change-log tail.
func (t *Tx) LastChangeSeq() (int64, error) {
	var rows []models.Change
	if err := t.db.Order("seq DESC").Limit(1).Find(&rows).Error; err != nil {
		return 0, dbErr(err, "failed to read change tail")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Seq, nil
}

// ClearChanges wipes the change log. The sequence keeps increasing from
// where it left off.
func (t *Tx) ClearChanges() error {
	return dbErr(t.db.Where("1 = 1").Delete(&models.Change{}).Error, "failed to clear changes")
}

// ChangeCount returns the number of change records currently retained.
func (t *Tx) ChangeCount() (int64, error) {
	var n int64
	err := t.db.Model(&models.Change{}).Count(&n).Error
	return n, dbErr(err, "failed to count changes")
}
