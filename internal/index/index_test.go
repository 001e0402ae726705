package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-archive/internal/database"
	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/models"
	"github.com/otcheredev/dicom-archive/internal/storage"
)

func newIndex(t *testing.T) *Index {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver:   "sqlite",
		Path:     ":memory:",
		LogLevel: "silent",
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return New(db)
}

// seedInstance builds patient -> study -> series -> instance and returns the
// internal ids in that order.
func seedInstance(t *testing.T, idx *Index, patientID, study, series, sop string) [4]int64 {
	t.Helper()
	var ids [4]int64
	err := idx.Update(func(tx *Tx) error {
		var err error
		if ids[0], err = tx.CreateResource("patient-"+patientID, dicom.LevelPatient); err != nil {
			return err
		}
		if err = tx.SetMainTag(ids[0], tag.PatientID, patientID); err != nil {
			return err
		}
		if ids[1], err = tx.CreateResource(study, dicom.LevelStudy); err != nil {
			return err
		}
		if err = tx.AttachChild(ids[0], ids[1]); err != nil {
			return err
		}
		if err = tx.SetMainTag(ids[1], tag.StudyInstanceUID, study); err != nil {
			return err
		}
		if ids[2], err = tx.CreateResource(series, dicom.LevelSeries); err != nil {
			return err
		}
		if err = tx.AttachChild(ids[1], ids[2]); err != nil {
			return err
		}
		if ids[3], err = tx.CreateResource(sop, dicom.LevelInstance); err != nil {
			return err
		}
		return tx.AttachChild(ids[2], ids[3])
	})
	require.NoError(t, err)
	return ids
}

func TestHierarchyAndLookup(t *testing.T) {
	idx := newIndex(t)
	ids := seedInstance(t, idx, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	err := idx.View(func(tx *Tx) error {
		id, level, found, err := tx.LookupByPublicID("1.2.3.4.5")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, ids[3], id)
		assert.Equal(t, dicom.LevelInstance, level)

		_, _, found, err = tx.LookupByPublicID("unknown")
		require.NoError(t, err)
		assert.False(t, found)

		// Hierarchy closure: every child points one level up.
		for i := 1; i < 4; i++ {
			res, err := tx.Resource(ids[i])
			require.NoError(t, err)
			require.NotNil(t, res.ParentID)
			assert.Equal(t, ids[i-1], *res.ParentID)
		}

		children, err := tx.Children(ids[2])
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[3]}, children)

		matches, err := tx.LookupIdentifier(tag.PatientID, "P1", dicom.LevelPatient)
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[0]}, matches)
		return nil
	})
	require.NoError(t, err)
}

func TestAttachChildRejectsLevelSkips(t *testing.T) {
	idx := newIndex(t)
	err := idx.Update(func(tx *Tx) error {
		patient, err := tx.CreateResource("p", dicom.LevelPatient)
		require.NoError(t, err)
		series, err := tx.CreateResource("s", dicom.LevelSeries)
		require.NoError(t, err)
		return tx.AttachChild(patient, series)
	})
	require.Error(t, err)
	assert.Equal(t, errs.BadRequest, errs.KindOf(err))
}

func TestUniquePublicIDPerLevel(t *testing.T) {
	idx := newIndex(t)
	seedInstance(t, idx, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	err := idx.Update(func(tx *Tx) error {
		_, err := tx.CreateResource("1.2.3", dicom.LevelStudy)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, errs.Database, errs.KindOf(err))
}

func TestAttachmentsAndCounters(t *testing.T) {
	idx := newIndex(t)
	ids := seedInstance(t, idx, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	info := storage.AttachmentInfo{
		UUID:             "11112222-3333-4444-5555-666677778888",
		ContentType:      storage.ContentDicom,
		CompressedSize:   100,
		UncompressedSize: 250,
		Compression:      storage.CompressionZlib,
	}
	err := idx.Update(func(tx *Tx) error {
		return tx.AddAttachment(ids[3], info)
	})
	require.NoError(t, err)

	err = idx.View(func(tx *Tx) error {
		got, ok, err := tx.LookupAttachment(ids[3], storage.ContentDicom)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, info, got)

		_, ok, err = tx.LookupAttachment(ids[3], storage.ContentDicomAsJSON)
		require.NoError(t, err)
		assert.False(t, ok)

		stats, err := tx.GlobalCounters()
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.PatientCount)
		assert.Equal(t, int64(1), stats.InstanceCount)
		assert.Equal(t, int64(100), stats.CompressedTotal)
		assert.Equal(t, int64(250), stats.UncompressedTotal)
		return nil
	})
	require.NoError(t, err)
}

func TestMetadataUpsert(t *testing.T) {
	idx := newIndex(t)
	ids := seedInstance(t, idx, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	err := idx.Update(func(tx *Tx) error {
		if err := tx.SetMetadata(ids[3], models.MetadataRemoteAet, "MODALITY"); err != nil {
			return err
		}
		return tx.SetMetadata(ids[3], models.MetadataRemoteAet, "MODALITY2")
	})
	require.NoError(t, err)

	err = idx.View(func(tx *Tx) error {
		v, ok, err := tx.GetMetadata(ids[3], models.MetadataRemoteAet)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "MODALITY2", v)

		_, ok, err = tx.GetMetadata(ids[3], models.MetadataAnonymizedFrom)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestCascadeDeletion(t *testing.T) {
	idx := newIndex(t)
	ids := seedInstance(t, idx, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	// Second series under the same study keeps the study alive.
	var otherSeries int64
	err := idx.Update(func(tx *Tx) error {
		var err error
		otherSeries, err = tx.CreateResource("1.2.3.9", dicom.LevelSeries)
		require.NoError(t, err)
		if err := tx.AttachChild(ids[1], otherSeries); err != nil {
			return err
		}
		other, err := tx.CreateResource("1.2.3.9.1", dicom.LevelInstance)
		require.NoError(t, err)
		return tx.AttachChild(otherSeries, other)
	})
	require.NoError(t, err)

	var report *DeletionReport
	err = idx.Update(func(tx *Tx) error {
		var err error
		report, err = tx.DeleteResource(ids[3])
		return err
	})
	require.NoError(t, err)

	// The series became childless and was removed with the instance; the
	// study survives as the highest remaining ancestor.
	require.NotNil(t, report.RemainingAncestor)
	assert.Equal(t, "1.2.3", report.RemainingAncestor.PublicID)
	assert.Equal(t, dicom.LevelStudy, report.RemainingAncestor.Level)
	assert.Equal(t, []string{"1.2.3.4.5"}, report.DeletedInstances)
	assert.Equal(t, models.ChangeDeleted, report.Change.Kind)

	err = idx.View(func(tx *Tx) error {
		_, _, found, err := tx.LookupByPublicID("1.2.3.4")
		require.NoError(t, err)
		assert.False(t, found, "childless series must be cascade-deleted")

		_, _, found, err = tx.LookupByPublicID("1.2.3")
		require.NoError(t, err)
		assert.True(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestDeletePatientSubtree(t *testing.T) {
	idx := newIndex(t)
	ids := seedInstance(t, idx, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")

	info := storage.AttachmentInfo{
		UUID: "aaaabbbb-0000-0000-0000-000000000000", ContentType: storage.ContentDicom,
		CompressedSize: 10, UncompressedSize: 10, Compression: storage.CompressionNone,
	}
	require.NoError(t, idx.Update(func(tx *Tx) error {
		return tx.AddAttachment(ids[3], info)
	}))

	var report *DeletionReport
	require.NoError(t, idx.Update(func(tx *Tx) error {
		var err error
		report, err = tx.DeleteResource(ids[0])
		return err
	}))

	assert.Nil(t, report.RemainingAncestor)
	require.Len(t, report.FreedAttachments, 1)
	assert.Equal(t, info.UUID, report.FreedAttachments[0].UUID)

	require.NoError(t, idx.View(func(tx *Tx) error {
		stats, err := tx.GlobalCounters()
		require.NoError(t, err)
		assert.Zero(t, stats.PatientCount)
		assert.Zero(t, stats.InstanceCount)
		assert.Zero(t, stats.CompressedTotal)
		assert.Zero(t, stats.UncompressedTotal)
		return nil
	}))
}

func TestRecyclingOrderAndProtection(t *testing.T) {
	idx := newIndex(t)
	a := seedInstance(t, idx, "PA", "1.1", "1.1.1", "1.1.1.1")
	b := seedInstance(t, idx, "PB", "2.1", "2.1.1", "2.1.1.1")

	require.NoError(t, idx.View(func(tx *Tx) error {
		candidate, err := tx.SelectPatientToRecycle(0)
		require.NoError(t, err)
		assert.Equal(t, a[0], candidate, "oldest patient first")

		candidate, err = tx.SelectPatientToRecycle(a[0])
		require.NoError(t, err)
		assert.Equal(t, b[0], candidate, "avoid excludes the current patient")
		return nil
	}))

	// Touching A moves it behind B.
	require.NoError(t, idx.Update(func(tx *Tx) error {
		return tx.TouchPatient(a[0])
	}))
	require.NoError(t, idx.View(func(tx *Tx) error {
		candidate, err := tx.SelectPatientToRecycle(0)
		require.NoError(t, err)
		assert.Equal(t, b[0], candidate)
		return nil
	}))

	// Protection removes B from the order entirely.
	require.NoError(t, idx.Update(func(tx *Tx) error {
		return tx.SetProtected(b[0], true)
	}))
	require.NoError(t, idx.View(func(tx *Tx) error {
		protected, err := tx.IsProtected(b[0])
		require.NoError(t, err)
		assert.True(t, protected)

		candidate, err := tx.SelectPatientToRecycle(0)
		require.NoError(t, err)
		assert.Equal(t, a[0], candidate)

		candidate, err = tx.SelectPatientToRecycle(a[0])
		require.NoError(t, err)
		assert.Zero(t, candidate, "no candidate besides avoid")
		return nil
	}))
}

func TestChangeLogPagination(t *testing.T) {
	idx := newIndex(t)

	var lastSeq int64
	require.NoError(t, idx.Update(func(tx *Tx) error {
		for i := 0; i < 10; i++ {
			ch, err := tx.LogChange(models.ChangeNewInstance, dicom.LevelInstance, "1.2.3.4.5")
			if err != nil {
				return err
			}
			assert.Greater(t, ch.Seq, lastSeq, "seq must strictly increase")
			lastSeq = ch.Seq
		}
		return nil
	}))

	require.NoError(t, idx.View(func(tx *Tx) error {
		first, done, err := tx.ReadChanges(0, 3)
		require.NoError(t, err)
		assert.Len(t, first, 3)
		assert.False(t, done)

		rest, done, err := tx.ReadChanges(first[len(first)-1].Seq, 100)
		require.NoError(t, err)
		assert.Len(t, rest, 7)
		assert.True(t, done)

		// Reading from the tail yields the empty window.
		tail, done, err := tx.ReadChanges(lastSeq, 5)
		require.NoError(t, err)
		assert.Empty(t, tail)
		assert.True(t, done)

		seq, err := tx.LastChangeSeq()
		require.NoError(t, err)
		assert.Equal(t, lastSeq, seq)
		return nil
	}))
}

func TestRecyclerFullStorage(t *testing.T) {
	idx := newIndex(t)
	a := seedInstance(t, idx, "PA", "1.1", "1.1.1", "1.1.1.1")

	recycler := &Recycler{MaxPatientCount: 0, MaxStorageSize: 5}
	require.NoError(t, idx.Update(func(tx *Tx) error {
		return tx.AddAttachment(a[3], storage.AttachmentInfo{
			UUID: "cccc0000-0000-0000-0000-000000000000", ContentType: storage.ContentDicom,
			CompressedSize: 10, UncompressedSize: 10, Compression: storage.CompressionNone,
		})
	}))

	// The only candidate is the avoided patient: FullStorage.
	err := idx.Update(func(tx *Tx) error {
		_, err := recycler.EnsureCapacity(tx, a[0])
		return err
	})
	require.Error(t, err)
	assert.Equal(t, errs.FullStorage, errs.KindOf(err))
}
