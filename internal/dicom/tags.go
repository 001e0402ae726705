package dicom

import (
	"fmt"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Main tags are the DICOM attributes promoted to indexed columns at each
// hierarchy level. The sets are fixed; everything else stays in the JSON
// attachment and is only reachable by linear filtering.
var (
	patientMainTags = []tag.Tag{
		tag.PatientID,
		tag.PatientName,
		tag.PatientBirthDate,
		tag.PatientSex,
	}

	studyMainTags = []tag.Tag{
		tag.StudyInstanceUID,
		tag.AccessionNumber,
		tag.StudyDate,
		tag.StudyTime,
		tag.StudyDescription,
		tag.ReferringPhysicianName,
	}

	seriesMainTags = []tag.Tag{
		tag.SeriesInstanceUID,
		tag.SeriesNumber,
		tag.Modality,
		tag.Manufacturer,
		tag.StationName,
		tag.SeriesDescription,
		tag.BodyPartExamined,
		tag.SequenceName,
		tag.ProtocolName,
		tag.SeriesDate,
		tag.SeriesTime,
	}

	instanceMainTags = []tag.Tag{
		tag.SOPInstanceUID,
		tag.InstanceNumber,
		tag.ImageIndex,
		tag.NumberOfFrames,
		tag.AcquisitionNumber,
	}
)

// Identifier tags get their own equality index in the database.
var identifierTags = map[tag.Tag]Level{
	tag.PatientID:         LevelPatient,
	tag.StudyInstanceUID:  LevelStudy,
	tag.AccessionNumber:   LevelStudy,
	tag.SeriesInstanceUID: LevelSeries,
	tag.SOPInstanceUID:    LevelInstance,
}

// MainTags returns the main-tag set for a level.
func MainTags(level Level) []tag.Tag {
	switch level {
	case LevelPatient:
		return patientMainTags
	case LevelStudy:
		return studyMainTags
	case LevelSeries:
		return seriesMainTags
	default:
		return instanceMainTags
	}
}

// IsMainTag reports whether t is a main tag at the given level.
func IsMainTag(t tag.Tag, level Level) bool {
	for _, m := range MainTags(level) {
		if m == t {
			return true
		}
	}
	return false
}

// MainTagLevel returns the level owning t as a main tag.
func MainTagLevel(t tag.Tag) (Level, bool) {
	for _, l := range []Level{LevelPatient, LevelStudy, LevelSeries, LevelInstance} {
		if IsMainTag(t, l) {
			return l, true
		}
	}
	return 0, false
}

// IdentifierLevel returns the level at which t is an indexed identifier.
func IdentifierLevel(t tag.Tag) (Level, bool) {
	l, ok := identifierTags[t]
	return l, ok
}

// UIDTag returns the tag whose value doubles as the public id at a level.
// Patients have no UID tag; their public id is assigned at creation.
func UIDTag(level Level) (tag.Tag, bool) {
	switch level {
	case LevelStudy:
		return tag.StudyInstanceUID, true
	case LevelSeries:
		return tag.SeriesInstanceUID, true
	case LevelInstance:
		return tag.SOPInstanceUID, true
	}
	return tag.Tag{}, false
}

// TagName resolves the dictionary keyword of a tag, or "" when unknown.
func TagName(t tag.Tag) string {
	info, err := tag.Find(t)
	if err != nil {
		return ""
	}
	return info.Name
}

// FindTag resolves a tag from either its dictionary keyword or its
// "gggg,eeee" form.
func FindTag(s string) (tag.Tag, bool) {
	if t, err := tag.FindByName(s); err == nil {
		return t.Tag, true
	}
	var group, elem uint16
	if n, err := fmt.Sscanf(s, "%04x,%04x", &group, &elem); err == nil && n == 2 {
		return tag.Tag{Group: group, Element: elem}, true
	}
	return tag.Tag{}, false
}

// TagKey renders a tag in its canonical "gggg,eeee" form.
func TagKey(t tag.Tag) string {
	return fmt.Sprintf("%04x,%04x", t.Group, t.Element)
}
