package dicom

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-archive/internal/errs"
)

// Identity carries the four DICOM identifiers that place an instance in the
// hierarchy.
type Identity struct {
	PatientID string
	StudyUID  string
	SeriesUID string
	SOPUID    string
}

var identityRequired = []tag.Tag{
	tag.PatientID,
	tag.StudyInstanceUID,
	tag.SeriesInstanceUID,
	tag.SOPInstanceUID,
}

// IdentityOf extracts the instance identity from a summary map. All four
// identifiers are required; absence fails with InexistentTag listing the
// missing and present fields.
func IdentityOf(m Map) (Identity, error) {
	var missing, present []string
	for _, t := range identityRequired {
		if m.Has(t) {
			present = append(present, TagName(t))
		} else {
			missing = append(missing, TagName(t))
		}
	}
	if len(missing) > 0 {
		return Identity{}, errs.Newf(errs.InexistentTag,
			"missing required tags [%s], present [%s]",
			strings.Join(missing, ", "), strings.Join(present, ", "))
	}

	id := Identity{}
	id.PatientID, _ = m.GetString(tag.PatientID)
	id.StudyUID, _ = m.GetString(tag.StudyInstanceUID)
	id.SeriesUID, _ = m.GetString(tag.SeriesInstanceUID)
	id.SOPUID, _ = m.GetString(tag.SOPInstanceUID)
	return id, nil
}

// PublicID returns the externally visible id at a level. Patients are not
// covered; their public id is a random UUID assigned at creation.
func (id Identity) PublicID(level Level) string {
	switch level {
	case LevelStudy:
		return id.StudyUID
	case LevelSeries:
		return id.SeriesUID
	case LevelInstance:
		return id.SOPUID
	}
	return ""
}

// Fingerprint reduces the identity to a stable 40-hex-character digest in
// five dash-separated groups. Used for ingest correlation: it is logged and
// returned in the store result.
func (id Identity) Fingerprint() string {
	sum := sha1.Sum([]byte(id.PatientID + "|" + id.StudyUID + "|" + id.SeriesUID + "|" + id.SOPUID))
	h := hex.EncodeToString(sum[:])
	return h[0:8] + "-" + h[8:16] + "-" + h[16:24] + "-" + h[24:32] + "-" + h[32:40]
}
