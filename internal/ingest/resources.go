package ingest

import (
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/index"
	"github.com/otcheredev/dicom-archive/internal/storage"
)

// SOPClassOf reads the SOP class of an instance through the parsed-instance
// cache. Returns "" when the instance cannot be loaded.
func (c *Coordinator) SOPClassOf(publicID string) string {
	guard, err := c.datasets.Access(publicID)
	if err != nil {
		return ""
	}
	defer guard.Release()
	v, _ := guard.Dataset().GetString(tag.SOPClassUID)
	return v
}

// ExpandToInstances resolves a resource of any level to the public ids of
// the instances below it, together with their aggregate compressed size.
func (c *Coordinator) ExpandToInstances(publicID string) ([]string, int64, error) {
	var (
		instances []string
		total     int64
	)
	err := c.index.View(func(tx *index.Tx) error {
		id, _, found, err := tx.LookupByPublicID(publicID)
		if err != nil {
			return err
		}
		if !found {
			return errs.Newf(errs.InexistentItem, "unknown resource %s", publicID)
		}

		frontier := []int64{id}
		for len(frontier) > 0 {
			var next []int64
			for _, rid := range frontier {
				res, err := tx.Resource(rid)
				if err != nil {
					return err
				}
				if res.Level == dicom.LevelInstance.String() {
					instances = append(instances, res.PublicID)
					if info, ok, err := tx.LookupAttachment(rid, storage.ContentDicom); err != nil {
						return err
					} else if ok {
						total += info.CompressedSize
					}
					continue
				}
				children, err := tx.Children(rid)
				if err != nil {
					return err
				}
				next = append(next, children...)
			}
			frontier = next
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return instances, total, nil
}
