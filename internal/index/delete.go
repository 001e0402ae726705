package index

import (
	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/models"
	"github.com/otcheredev/dicom-archive/internal/storage"
)

// ResourceRef names a resource by its externally visible coordinates.
type ResourceRef struct {
	PublicID string      `json:"public_id"`
	Level    dicom.Level `json:"-"`
}

// DeletionReport summarizes a committed cascade deletion. The freed
// attachments must be removed from the blob store by the caller after
// commit.
type DeletionReport struct {
	Deleted           ResourceRef
	RemainingAncestor *ResourceRef
	FreedAttachments  []storage.AttachmentInfo
	DeletedInstances  []string // public ids, for cache invalidation
	Change            models.Change
}

// DeleteResource removes a resource and all its descendants. Ancestors left
// childless by the removal are deleted too; the highest surviving ancestor
// is reported. Counters shrink by the freed attachment sizes and a Deleted
// change is logged, all inside the enclosing transaction.
func (t *Tx) DeleteResource(id int64) (*DeletionReport, error) {
	res, err := t.getResource(id)
	if err != nil {
		return nil, err
	}
	level, _ := dicom.ParseLevel(res.Level)
	report := &DeletionReport{
		Deleted: ResourceRef{PublicID: res.PublicID, Level: level},
	}

	// Climb to the highest ancestor whose only remaining descendant chain
	// leads to the resource being removed.
	top := res
	for top.ParentID != nil {
		parent, err := t.getResource(*top.ParentID)
		if err != nil {
			return nil, err
		}
		siblings, err := t.ChildCount(parent.InternalID)
		if err != nil {
			return nil, err
		}
		if siblings > 1 {
			parentLevel, _ := dicom.ParseLevel(parent.Level)
			report.RemainingAncestor = &ResourceRef{PublicID: parent.PublicID, Level: parentLevel}
			break
		}
		top = parent
	}

	doomed, err := t.subtree(top.InternalID)
	if err != nil {
		return nil, err
	}

	for _, rid := range doomed {
		row, err := t.getResource(rid)
		if err != nil {
			return nil, err
		}
		if row.Level == dicom.LevelInstance.String() {
			report.DeletedInstances = append(report.DeletedInstances, row.PublicID)
		}

		var attachments []models.Attachment
		if err := t.db.Where("resource_id = ?", rid).Find(&attachments).Error; err != nil {
			return nil, dbErr(err, "failed to collect attachments")
		}
		for _, a := range attachments {
			report.FreedAttachments = append(report.FreedAttachments, attachmentInfo(a))
			if err := t.addCounter(models.CounterCompressedSize, -a.CompressedSize); err != nil {
				return nil, err
			}
			if err := t.addCounter(models.CounterUncompressedSize, -a.UncompressedSize); err != nil {
				return nil, err
			}
		}

		for _, del := range []interface{}{
			&models.Attachment{},
			&models.MainTag{},
			&models.MetadataEntry{},
		} {
			if err := t.db.Where("resource_id = ?", rid).Delete(del).Error; err != nil {
				return nil, dbErr(err, "failed to delete resource rows")
			}
		}
		if err := t.db.Where("resource_id = ?", rid).Delete(&models.LookupIdentifier{}).Error; err != nil {
			return nil, dbErr(err, "failed to delete identifier rows")
		}
		if err := t.db.Where("patient_id = ?", rid).Delete(&models.PatientRecycling{}).Error; err != nil {
			return nil, dbErr(err, "failed to delete recycling row")
		}
		if err := t.db.Where("internal_id = ?", rid).Delete(&models.Resource{}).Error; err != nil {
			return nil, dbErr(err, "failed to delete resource")
		}
	}

	change, err := t.LogChange(models.ChangeDeleted, level, res.PublicID)
	if err != nil {
		return nil, err
	}
	report.Change = change
	return report, nil
}

// subtree returns id plus every descendant, parents before children.
func (t *Tx) subtree(id int64) ([]int64, error) {
	out := []int64{id}
	frontier := []int64{id}
	for len(frontier) > 0 {
		var next []int64
		for _, rid := range frontier {
			children, err := t.Children(rid)
			if err != nil {
				return nil, err
			}
			next = append(next, children...)
		}
		out = append(out, next...)
		frontier = next
	}
	return out, nil
}
