package index

import (
	"errors"

	"gorm.io/gorm"

	"github.com/otcheredev/dicom-archive/internal/models"
	"github.com/otcheredev/dicom-archive/internal/storage"
)

// AddAttachment records a stored blob against a resource and bumps the
// global size counters in the same transaction.
func (t *Tx) AddAttachment(id int64, info storage.AttachmentInfo) error {
	row := models.Attachment{
		ResourceID:       id,
		ContentType:      string(info.ContentType),
		UUID:             info.UUID,
		CompressedSize:   info.CompressedSize,
		UncompressedSize: info.UncompressedSize,
		Compression:      string(info.Compression),
		UncompressedMD5:  info.UncompressedMD5,
		CompressedMD5:    info.CompressedMD5,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return dbErr(err, "failed to record attachment")
	}
	if err := t.addCounter(models.CounterCompressedSize, info.CompressedSize); err != nil {
		return err
	}
	return t.addCounter(models.CounterUncompressedSize, info.UncompressedSize)
}

// LookupAttachment returns the attachment of a resource with the given
// content type, if any.
func (t *Tx) LookupAttachment(id int64, contentType storage.ContentType) (storage.AttachmentInfo, bool, error) {
	var row models.Attachment
	err := t.db.Where("resource_id = ? AND content_type = ?", id, string(contentType)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.AttachmentInfo{}, false, nil
	}
	if err != nil {
		return storage.AttachmentInfo{}, false, dbErr(err, "failed to look up attachment")
	}
	return attachmentInfo(row), true, nil
}

func attachmentInfo(row models.Attachment) storage.AttachmentInfo {
	return storage.AttachmentInfo{
		UUID:             row.UUID,
		ContentType:      storage.ContentType(row.ContentType),
		CompressedSize:   row.CompressedSize,
		UncompressedSize: row.UncompressedSize,
		Compression:      storage.CompressionKind(row.Compression),
		UncompressedMD5:  row.UncompressedMD5,
		CompressedMD5:    row.CompressedMD5,
	}
}

func (t *Tx) addCounter(name string, delta int64) error {
	if delta == 0 {
		return nil
	}
	var row models.GlobalCounter
	err := t.db.Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return dbErr(t.db.Create(&models.GlobalCounter{Name: name, Value: delta}).Error,
			"failed to create counter")
	}
	if err != nil {
		return dbErr(err, "failed to read counter")
	}
	err = t.db.Model(&models.GlobalCounter{}).
		Where("name = ?", name).
		Update("value", row.Value+delta).Error
	return dbErr(err, "failed to update counter")
}

func (t *Tx) counter(name string) (int64, error) {
	var row models.GlobalCounter
	err := t.db.Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, dbErr(err, "failed to read counter")
	}
	return row.Value, nil
}

// Stats are the global counters of the archive.
type Stats struct {
	PatientCount      int64 `json:"patient_count"`
	StudyCount        int64 `json:"study_count"`
	SeriesCount       int64 `json:"series_count"`
	InstanceCount     int64 `json:"instance_count"`
	CompressedTotal   int64 `json:"total_compressed_size"`
	UncompressedTotal int64 `json:"total_uncompressed_size"`
}

// GlobalCounters reports resource counts and size totals.
func (t *Tx) GlobalCounters() (Stats, error) {
	var s Stats
	counts := []struct {
		level string
		out   *int64
	}{
		{"Patient", &s.PatientCount},
		{"Study", &s.StudyCount},
		{"Series", &s.SeriesCount},
		{"Instance", &s.InstanceCount},
	}
	for _, c := range counts {
		if err := t.db.Model(&models.Resource{}).
			Where("level = ?", c.level).
			Count(c.out).Error; err != nil {
			return Stats{}, dbErr(err, "failed to count resources")
		}
	}
	var err error
	if s.CompressedTotal, err = t.counter(models.CounterCompressedSize); err != nil {
		return Stats{}, err
	}
	if s.UncompressedTotal, err = t.counter(models.CounterUncompressedSize); err != nil {
		return Stats{}, err
	}
	return s, nil
}
