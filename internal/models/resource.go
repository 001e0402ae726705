package models

import (
	"time"
)

// Resource is one node of the patient/study/series/instance tree. The
// internal id is private to the index; the public id is the externally
// visible handle (random UUID for patients, the DICOM UID otherwise).
type Resource struct {
	InternalID int64     `gorm:"column:internal_id;primaryKey;autoIncrement" json:"internal_id"`
	PublicID   string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_resources_level_public" json:"public_id"`
	Level      string    `gorm:"type:varchar(16);not null;uniqueIndex:idx_resources_level_public;index" json:"level"`
	ParentID   *int64    `gorm:"index" json:"parent_id,omitempty"`
	Protected  bool      `gorm:"not null;default:false" json:"protected"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Resource) TableName() string {
	return "resources"
}

// MainTag is a DICOM attribute promoted to a column at one hierarchy level.
type MainTag struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	ResourceID int64  `gorm:"not null;uniqueIndex:idx_main_tags_resource_tag" json:"-"`
	TagGroup   uint16 `gorm:"not null;uniqueIndex:idx_main_tags_resource_tag" json:"group"`
	TagElement uint16 `gorm:"not null;uniqueIndex:idx_main_tags_resource_tag" json:"element"`
	Value      string `gorm:"type:text;not null" json:"value"`
}

func (MainTag) TableName() string {
	return "main_tags"
}

// LookupIdentifier is the equality index over identifier tags.
type LookupIdentifier struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	Level      string `gorm:"type:varchar(16);not null;index:idx_identifiers_lookup" json:"level"`
	TagGroup   uint16 `gorm:"not null;index:idx_identifiers_lookup" json:"group"`
	TagElement uint16 `gorm:"not null;index:idx_identifiers_lookup" json:"element"`
	Value      string `gorm:"type:varchar(255);not null;index:idx_identifiers_lookup" json:"value"`
	ResourceID int64  `gorm:"not null;index" json:"-"`
}

func (LookupIdentifier) TableName() string {
	return "lookup_identifiers"
}

// Attachment is the index-side record of a stored blob.
type Attachment struct {
	ID               int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	ResourceID       int64  `gorm:"not null;uniqueIndex:idx_attachments_resource_type" json:"-"`
	ContentType      string `gorm:"type:varchar(32);not null;uniqueIndex:idx_attachments_resource_type" json:"content_type"`
	UUID             string `gorm:"type:varchar(36);not null;uniqueIndex" json:"uuid"`
	CompressedSize   int64  `gorm:"not null" json:"compressed_size"`
	UncompressedSize int64  `gorm:"not null" json:"uncompressed_size"`
	Compression      string `gorm:"type:varchar(16);not null" json:"compression_kind"`
	UncompressedMD5  string `gorm:"type:varchar(32)" json:"uncompressed_md5,omitempty"`
	CompressedMD5    string `gorm:"type:varchar(32)" json:"compressed_md5,omitempty"`
}

func (Attachment) TableName() string {
	return "attachments"
}

// MetadataEntry is a small string attached to a resource under a closed
// kind enumeration.
type MetadataEntry struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"-"`
	ResourceID int64  `gorm:"not null;uniqueIndex:idx_metadata_resource_kind" json:"-"`
	Kind       int    `gorm:"not null;uniqueIndex:idx_metadata_resource_kind" json:"kind"`
	Value      string `gorm:"type:text;not null" json:"value"`
}

func (MetadataEntry) TableName() string {
	return "metadata"
}

// PatientRecycling orders patients by last successful access; the smallest
// sequence is the next recycling candidate.
type PatientRecycling struct {
	Seq       int64 `gorm:"primaryKey;autoIncrement" json:"seq"`
	PatientID int64 `gorm:"not null;uniqueIndex" json:"patient_id"`
}

func (PatientRecycling) TableName() string {
	return "patient_recycling_order"
}

// GlobalCounter is a named running total maintained transactionally with
// the rows it describes.
type GlobalCounter struct {
	Name  string `gorm:"type:varchar(64);primaryKey" json:"name"`
	Value int64  `gorm:"not null" json:"value"`
}

func (GlobalCounter) TableName() string {
	return "global_counters"
}

// Counter names.
const (
	CounterCompressedSize   = "total_compressed_size"
	CounterUncompressedSize = "total_uncompressed_size"
)
