package ingest

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/index"
)

// Delete removes a resource (and its descendants, cascading up through
// childless ancestors). expectedLevel, when non-nil, guards against a public
// id resolving to a different level than the caller addressed. The deletion
// report carries the highest surviving ancestor.
func (c *Coordinator) Delete(publicID string, expectedLevel *dicom.Level) (*index.DeletionReport, error) {
	var report *index.DeletionReport
	err := c.index.Update(func(tx *index.Tx) error {
		id, level, found, err := tx.LookupByPublicID(publicID)
		if err != nil {
			return err
		}
		if !found {
			return errs.Newf(errs.InexistentItem, "unknown resource %s", publicID)
		}
		if expectedLevel != nil && level != *expectedLevel {
			return errs.Newf(errs.InexistentItem, "%s is a %s, not a %s", publicID, level, *expectedLevel)
		}
		report, err = tx.DeleteResource(id)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, info := range report.FreedAttachments {
		c.removeBlob(info)
	}
	for _, instance := range report.DeletedInstances {
		c.invalidateInstance(context.Background(), instance)
	}
	c.dispatcher.Publish(changeEvent(report.Change))

	deletedResources.Inc()
	log.Info().
		Str("public_id", publicID).
		Int("freed_attachments", len(report.FreedAttachments)).
		Msg("Resource deleted")
	return report, nil
}

// SetProtected flips the recycling protection of a patient.
func (c *Coordinator) SetProtected(publicID string, protected bool) error {
	return c.index.Update(func(tx *index.Tx) error {
		id, level, found, err := tx.LookupByPublicID(publicID)
		if err != nil {
			return err
		}
		if !found || level != dicom.LevelPatient {
			return errs.Newf(errs.InexistentItem, "unknown patient %s", publicID)
		}
		return tx.SetProtected(id, protected)
	})
}

// IsProtected reports the recycling protection of a patient.
func (c *Coordinator) IsProtected(publicID string) (bool, error) {
	var protected bool
	err := c.index.View(func(tx *index.Tx) error {
		id, level, found, err := tx.LookupByPublicID(publicID)
		if err != nil {
			return err
		}
		if !found || level != dicom.LevelPatient {
			return errs.Newf(errs.InexistentItem, "unknown patient %s", publicID)
		}
		protected, err = tx.IsProtected(id)
		return err
	})
	return protected, err
}
