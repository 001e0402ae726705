package models

import "time"

// ChangeKind enumerates the events recorded in the change log.
type ChangeKind string

const (
	ChangeNewPatient       ChangeKind = "NewPatient"
	ChangeNewStudy         ChangeKind = "NewStudy"
	ChangeNewSeries        ChangeKind = "NewSeries"
	ChangeNewInstance      ChangeKind = "NewInstance"
	ChangeNewChildInstance ChangeKind = "NewChildInstance"
	ChangeStablePatient    ChangeKind = "StablePatient"
	ChangeStableStudy      ChangeKind = "StableStudy"
	ChangeStableSeries     ChangeKind = "StableSeries"
	ChangeCompletedSeries  ChangeKind = "CompletedSeries"
	ChangeDeleted          ChangeKind = "Deleted"
)

// Change is one record of the append-only change log. Seq is strictly
// increasing in commit order.
type Change struct {
	Seq       int64      `gorm:"primaryKey;autoIncrement" json:"seq"`
	Kind      ChangeKind `gorm:"type:varchar(32);not null" json:"kind"`
	Level     string     `gorm:"type:varchar(16);not null" json:"level"`
	PublicID  string     `gorm:"type:varchar(255);not null;index" json:"public_id"`
	CreatedAt time.Time  `json:"timestamp"`
}

func (Change) TableName() string {
	return "changes"
}
