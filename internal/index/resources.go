package index

import (
	"errors"

	"github.com/suyashkumar/dicom/pkg/tag"
	"gorm.io/gorm"

	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/models"
)

// CreateResource inserts a new resource row and returns its internal id.
// New patients enter the recycling order immediately.
func (t *Tx) CreateResource(publicID string, level dicom.Level) (int64, error) {
	res := models.Resource{
		PublicID: publicID,
		Level:    level.String(),
	}
	if err := t.db.Create(&res).Error; err != nil {
		return 0, dbErr(err, "failed to create resource")
	}
	if level == dicom.LevelPatient {
		if err := t.db.Create(&models.PatientRecycling{PatientID: res.InternalID}).Error; err != nil {
			return 0, dbErr(err, "failed to enter recycling order")
		}
	}
	return res.InternalID, nil
}

// AttachChild links child under parent. The parent must sit one level above.
func (t *Tx) AttachChild(parentID, childID int64) error {
	parent, err := t.getResource(parentID)
	if err != nil {
		return err
	}
	child, err := t.getResource(childID)
	if err != nil {
		return err
	}
	parentLevel, _ := dicom.ParseLevel(parent.Level)
	childLevel, _ := dicom.ParseLevel(child.Level)
	if wanted, ok := childLevel.Parent(); !ok || parentLevel != wanted {
		return errs.Newf(errs.BadRequest, "cannot attach %s under %s", child.Level, parent.Level)
	}
	err = t.db.Model(&models.Resource{}).
		Where("internal_id = ?", childID).
		Update("parent_id", parentID).Error
	return dbErr(err, "failed to attach child")
}

func (t *Tx) getResource(id int64) (*models.Resource, error) {
	var res models.Resource
	if err := t.db.Where("internal_id = ?", id).First(&res).Error; err != nil {
		return nil, dbErr(err, "unknown resource")
	}
	return &res, nil
}

// LookupByPublicID resolves a public id to its internal id and level.
func (t *Tx) LookupByPublicID(publicID string) (int64, dicom.Level, bool, error) {
	var res models.Resource
	err := t.db.Where("public_id = ?", publicID).First(&res).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, dbErr(err, "failed to look up public id")
	}
	level, _ := dicom.ParseLevel(res.Level)
	return res.InternalID, level, true, nil
}

// Resource returns the full row for an internal id.
func (t *Tx) Resource(id int64) (*models.Resource, error) {
	return t.getResource(id)
}

// Children returns the internal ids of the direct children of a resource.
func (t *Tx) Children(id int64) ([]int64, error) {
	var ids []int64
	err := t.db.Model(&models.Resource{}).
		Where("parent_id = ?", id).
		Order("internal_id ASC").
		Pluck("internal_id", &ids).Error
	return ids, dbErr(err, "failed to list children")
}

// ChildCount returns the number of direct children.
func (t *Tx) ChildCount(id int64) (int64, error) {
	var n int64
	err := t.db.Model(&models.Resource{}).Where("parent_id = ?", id).Count(&n).Error
	return n, dbErr(err, "failed to count children")
}

// SetMainTag stores one main tag of a resource and, for identifier tags,
// maintains the equality index.
func (t *Tx) SetMainTag(id int64, dt tag.Tag, value string) error {
	row := models.MainTag{
		ResourceID: id,
		TagGroup:   dt.Group,
		TagElement: dt.Element,
		Value:      value,
	}
	if err := t.db.Create(&row).Error; err != nil {
		return dbErr(err, "failed to store main tag")
	}

	if level, ok := dicom.IdentifierLevel(dt); ok {
		ident := models.LookupIdentifier{
			Level:      level.String(),
			TagGroup:   dt.Group,
			TagElement: dt.Element,
			Value:      value,
			ResourceID: id,
		}
		if err := t.db.Create(&ident).Error; err != nil {
			return dbErr(err, "failed to index identifier")
		}
	}
	return nil
}

// MainTags returns the stored main tags of a resource as a flat map.
func (t *Tx) MainTags(id int64) (dicom.Map, error) {
	var rows []models.MainTag
	if err := t.db.Where("resource_id = ?", id).Find(&rows).Error; err != nil {
		return nil, dbErr(err, "failed to read main tags")
	}
	m := make(dicom.Map, len(rows))
	for _, r := range rows {
		m[tag.Tag{Group: r.TagGroup, Element: r.TagElement}] = dicom.StringValue(r.Value)
	}
	return m, nil
}

// LookupIdentifier returns the internal ids of resources whose identifier
// tag carries exactly the given value at the given level.
func (t *Tx) LookupIdentifier(dt tag.Tag, value string, level dicom.Level) ([]int64, error) {
	var ids []int64
	err := t.db.Model(&models.LookupIdentifier{}).
		Where("level = ? AND tag_group = ? AND tag_element = ? AND value = ?",
			level.String(), dt.Group, dt.Element, value).
		Order("resource_id ASC").
		Pluck("resource_id", &ids).Error
	return ids, dbErr(err, "failed to look up identifier")
}

// AllAtLevel returns every internal id at a level, ordered.
func (t *Tx) AllAtLevel(level dicom.Level) ([]int64, error) {
	var ids []int64
	err := t.db.Model(&models.Resource{}).
		Where("level = ?", level.String()).
		Order("internal_id ASC").
		Pluck("internal_id", &ids).Error
	return ids, dbErr(err, "failed to list resources")
}

// SetProtected toggles recycling protection on a patient. Protected patients
// leave the recycling order; unprotecting re-enters them at the tail.
func (t *Tx) SetProtected(patientID int64, protected bool) error {
	res, err := t.getResource(patientID)
	if err != nil {
		return err
	}
	if res.Level != dicom.LevelPatient.String() {
		return errs.Newf(errs.BadRequest, "%s is not a patient", res.PublicID)
	}
	if res.Protected == protected {
		return nil
	}
	if err := t.db.Model(&models.Resource{}).
		Where("internal_id = ?", patientID).
		Update("protected", protected).Error; err != nil {
		return dbErr(err, "failed to update protection")
	}
	if protected {
		err = t.db.Where("patient_id = ?", patientID).Delete(&models.PatientRecycling{}).Error
	} else {
		err = t.db.Create(&models.PatientRecycling{PatientID: patientID}).Error
	}
	return dbErr(err, "failed to update recycling order")
}

// IsProtected reports the protection flag of a patient.
func (t *Tx) IsProtected(patientID int64) (bool, error) {
	res, err := t.getResource(patientID)
	if err != nil {
		return false, err
	}
	return res.Protected, nil
}

// TouchPatient refreshes a patient's position in the recycling order; called
// on every successful ingest touching the patient.
func (t *Tx) TouchPatient(patientID int64) error {
	res, err := t.getResource(patientID)
	if err != nil {
		return err
	}
	if res.Protected {
		return nil
	}
	if err := t.db.Where("patient_id = ?", patientID).Delete(&models.PatientRecycling{}).Error; err != nil {
		return dbErr(err, "failed to refresh recycling order")
	}
	err = t.db.Create(&models.PatientRecycling{PatientID: patientID}).Error
	return dbErr(err, "failed to refresh recycling order")
}

// SelectPatientToRecycle returns the least-recently-accessed unprotected
// patient, skipping avoid (0 = no exclusion). Returns 0 when no candidate
// exists.
func (t *Tx) SelectPatientToRecycle(avoid int64) (int64, error) {
	var rows []models.PatientRecycling
	q := t.db.Order("seq ASC").Limit(1)
	if avoid != 0 {
		q = q.Where("patient_id <> ?", avoid)
	}
	if err := q.Find(&rows).Error; err != nil {
		return 0, dbErr(err, "failed to select recycling candidate")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].PatientID, nil
}
