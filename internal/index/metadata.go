package index

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/otcheredev/dicom-archive/internal/models"
)

// SetMetadata stores or replaces one metadata value of a resource.
func (t *Tx) SetMetadata(id int64, kind models.MetadataKind, value string) error {
	row := models.MetadataEntry{
		ResourceID: id,
		Kind:       int(kind),
		Value:      value,
	}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	return dbErr(err, "failed to set metadata")
}

// GetMetadata returns one metadata value, if present.
func (t *Tx) GetMetadata(id int64, kind models.MetadataKind) (string, bool, error) {
	var row models.MetadataEntry
	err := t.db.Where("resource_id = ? AND kind = ?", id, int(kind)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbErr(err, "failed to read metadata")
	}
	return row.Value, true, nil
}

// AllMetadata returns every metadata entry of a resource keyed by kind.
func (t *Tx) AllMetadata(id int64) (map[models.MetadataKind]string, error) {
	var rows []models.MetadataEntry
	if err := t.db.Where("resource_id = ?", id).Find(&rows).Error; err != nil {
		return nil, dbErr(err, "failed to read metadata")
	}
	out := make(map[models.MetadataKind]string, len(rows))
	for _, r := range rows {
		out[models.MetadataKind(r.Kind)] = r.Value
	}
	return out, nil
}
