package ingest

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dcm "github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-archive/internal/bus"
	"github.com/otcheredev/dicom-archive/internal/database"
	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/index"
	"github.com/otcheredev/dicom-archive/internal/models"
	"github.com/otcheredev/dicom-archive/internal/storage"
)

type testArchive struct {
	idx         *index.Index
	coordinator *Coordinator
	bus         *bus.Bus
	dispatcher  *bus.Dispatcher
	recycler    *index.Recycler
	storageRoot string
}

func newTestArchive(t *testing.T, maxPatients int64) *testArchive {
	t.Helper()

	db, err := database.Open(database.Config{Driver: "sqlite", Path: ":memory:", LogLevel: "silent"})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	root := t.TempDir()
	store, err := storage.NewFilesystemStore(root)
	require.NoError(t, err)

	a := &testArchive{
		idx:         index.New(db),
		bus:         bus.New(),
		recycler:    &index.Recycler{MaxPatientCount: maxPatients},
		storageRoot: root,
	}
	a.dispatcher = bus.NewDispatcher(a.bus, 64)
	a.dispatcher.Start()
	t.Cleanup(a.dispatcher.Stop)

	accessor := storage.NewAccessor(store, storage.CompressionNone, true)
	a.coordinator = NewCoordinator(a.idx, accessor, a.bus, a.dispatcher, a.recycler, 2)
	return a
}

func (a *testArchive) blobCount(t *testing.T) int {
	t.Helper()
	count := 0
	err := filepath.WalkDir(a.storageRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			count++
		}
		return nil
	})
	require.NoError(t, err)
	return count
}

func mustElement(t *testing.T, dt tag.Tag, data interface{}) *dcm.Element {
	t.Helper()
	el, err := dcm.NewElement(dt, data)
	require.NoError(t, err)
	return el
}

func testInstance(t *testing.T, patientID, study, series, sop string) *dicom.Dataset {
	t.Helper()
	return dicom.FromElements([]*dcm.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{sop}),
		mustElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustElement(t, tag.SOPInstanceUID, []string{sop}),
		mustElement(t, tag.Modality, []string{"CT"}),
		mustElement(t, tag.PatientName, []string{"Doe^" + patientID}),
		mustElement(t, tag.PatientID, []string{patientID}),
		mustElement(t, tag.StudyInstanceUID, []string{study}),
		mustElement(t, tag.SeriesInstanceUID, []string{series}),
	})
}

func (a *testArchive) store(t *testing.T, ds *dicom.Dataset) StoreResult {
	t.Helper()
	result, err := a.coordinator.Store(context.Background(), StoreRequest{
		Dataset: ds,
		Origin:  Origin{RemoteAET: "MODALITY", RequestOrigin: "test"},
	})
	require.NoError(t, err)
	return result
}

func TestIngestNewInstance(t *testing.T) {
	a := newTestArchive(t, 0)

	result := a.store(t, testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	assert.Equal(t, StoreSuccess, result.Status)
	assert.Equal(t, "1.2.3.4.5", result.PublicID)
	assert.Equal(t, "1.2.3", result.Study)
	assert.Equal(t, "1.2.3.4", result.Series)
	assert.Len(t, result.Patient, 36, "patient public id is a random uuid")
	assert.NotEmpty(t, result.Fingerprint)

	require.NoError(t, a.idx.View(func(tx *index.Tx) error {
		stats, err := tx.GlobalCounters()
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.PatientCount)
		assert.Equal(t, int64(1), stats.StudyCount)
		assert.Equal(t, int64(1), stats.SeriesCount)
		assert.Equal(t, int64(1), stats.InstanceCount)
		assert.Positive(t, stats.CompressedTotal)

		changes, done, err := tx.ReadChanges(0, 100)
		require.NoError(t, err)
		assert.True(t, done)
		require.Len(t, changes, 4)
		assert.Equal(t, models.ChangeNewPatient, changes[0].Kind)
		assert.Equal(t, models.ChangeNewStudy, changes[1].Kind)
		assert.Equal(t, models.ChangeNewSeries, changes[2].Kind)
		assert.Equal(t, models.ChangeNewInstance, changes[3].Kind)
		assert.Equal(t, "1.2.3.4.5", changes[3].PublicID)

		// Instance metadata written in the same transaction.
		id, _, found, err := tx.LookupByPublicID("1.2.3.4.5")
		require.NoError(t, err)
		require.True(t, found)
		v, ok, err := tx.GetMetadata(id, models.MetadataRemoteAet)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "MODALITY", v)
		v, ok, err = tx.GetMetadata(id, models.MetadataIndexInSeries)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "1", v)
		return nil
	}))

	// Raw DICOM plus JSON projection.
	assert.Equal(t, 2, a.blobCount(t))
}

func TestIngestIdempotent(t *testing.T) {
	a := newTestArchive(t, 0)

	first := a.store(t, testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	require.Equal(t, StoreSuccess, first.Status)

	second := a.store(t, testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	assert.Equal(t, StoreAlreadyStored, second.Status)
	assert.Equal(t, first.PublicID, second.PublicID)

	require.NoError(t, a.idx.View(func(tx *index.Tx) error {
		stats, err := tx.GlobalCounters()
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.InstanceCount)

		// No additional change record for the duplicate.
		changes, _, err := tx.ReadChanges(0, 100)
		require.NoError(t, err)
		assert.Len(t, changes, 4)
		return nil
	}))

	// The duplicate's blobs were removed after the commit.
	assert.Equal(t, 2, a.blobCount(t))
}

func TestIngestSiblingSharesAncestors(t *testing.T) {
	a := newTestArchive(t, 0)

	a.store(t, testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))
	result := a.store(t, testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.6"))
	require.Equal(t, StoreSuccess, result.Status)

	require.NoError(t, a.idx.View(func(tx *index.Tx) error {
		stats, err := tx.GlobalCounters()
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.PatientCount)
		assert.Equal(t, int64(1), stats.SeriesCount)
		assert.Equal(t, int64(2), stats.InstanceCount)

		// Only NewInstance for the sibling.
		changes, _, err := tx.ReadChanges(0, 100)
		require.NoError(t, err)
		require.Len(t, changes, 5)
		assert.Equal(t, models.ChangeNewInstance, changes[4].Kind)

		id, _, _, err := tx.LookupByPublicID("1.2.3.4.6")
		require.NoError(t, err)
		v, _, err := tx.GetMetadata(id, models.MetadataIndexInSeries)
		require.NoError(t, err)
		assert.Equal(t, "2", v)
		return nil
	}))
}

func TestIngestRecyclingUnderQuota(t *testing.T) {
	a := newTestArchive(t, 2)

	a.store(t, testInstance(t, "P1", "1.1", "1.1.1", "1.1.1.1"))
	a.store(t, testInstance(t, "P2", "2.1", "2.1.1", "2.1.1.1"))
	result := a.store(t, testInstance(t, "P3", "3.1", "3.1.1", "3.1.1.1"))
	require.Equal(t, StoreSuccess, result.Status)

	require.NoError(t, a.idx.View(func(tx *index.Tx) error {
		stats, err := tx.GlobalCounters()
		require.NoError(t, err)
		assert.Equal(t, int64(2), stats.PatientCount)

		// P1 was least recently accessed and got recycled.
		matches, err := tx.LookupIdentifier(tag.PatientID, "P1", dicom.LevelPatient)
		require.NoError(t, err)
		assert.Empty(t, matches)
		for _, pid := range []string{"P2", "P3"} {
			matches, err := tx.LookupIdentifier(tag.PatientID, pid, dicom.LevelPatient)
			require.NoError(t, err)
			assert.Len(t, matches, 1, "%s must survive", pid)
		}
		return nil
	}))

	// No orphan blobs: 2 surviving instances, 2 attachments each.
	assert.Equal(t, 4, a.blobCount(t))
}

func TestIngestProtectedPatientBlocksRecycling(t *testing.T) {
	a := newTestArchive(t, 1)

	first := a.store(t, testInstance(t, "P1", "1.1", "1.1.1", "1.1.1.1"))
	require.Equal(t, StoreSuccess, first.Status)
	require.NoError(t, a.coordinator.SetProtected(first.Patient, true))

	_, err := a.coordinator.Store(context.Background(), StoreRequest{
		Dataset: testInstance(t, "P3", "3.1", "3.1.1", "3.1.1.1"),
		Origin:  Origin{RemoteAET: "MODALITY"},
	})
	require.Error(t, err)
	assert.Equal(t, errs.FullStorage, errs.KindOf(err))

	require.NoError(t, a.idx.View(func(tx *index.Tx) error {
		stats, err := tx.GlobalCounters()
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.PatientCount, "no partial mutation")
		assert.Equal(t, int64(1), stats.InstanceCount)
		return nil
	}))

	// The rejected ingest's blobs were removed.
	assert.Equal(t, 2, a.blobCount(t))
}

func TestIngestMissingRequiredTag(t *testing.T) {
	a := newTestArchive(t, 0)

	ds := dicom.FromElements([]*dcm.Element{
		mustElement(t, tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}),
		mustElement(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.3.4.5"}),
		mustElement(t, tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		// SOPInstanceUID deliberately absent.
		mustElement(t, tag.PatientID, []string{"P1"}),
		mustElement(t, tag.StudyInstanceUID, []string{"1.2.3"}),
		mustElement(t, tag.SeriesInstanceUID, []string{"1.2.3.4"}),
	})

	_, err := a.coordinator.Store(context.Background(), StoreRequest{Dataset: ds})
	require.Error(t, err)
	assert.Equal(t, errs.InexistentTag, errs.KindOf(err))

	// The identity check runs before the blob writes: nothing on disk.
	assert.Zero(t, a.blobCount(t))
}

type vetoListener struct {
	bus.BaseListener
	stored int
}

func (v *vetoListener) FilterIncoming(context.Context, []byte, string) (bool, error) {
	return false, nil
}

func (v *vetoListener) OnStored(context.Context, string, *dicom.Dataset, []byte) error {
	v.stored++
	return nil
}

func TestIngestFilteredOut(t *testing.T) {
	a := newTestArchive(t, 0)
	veto := &vetoListener{}
	a.bus.Register("veto", veto)

	result, err := a.coordinator.Store(context.Background(), StoreRequest{
		Dataset: testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, StoreFilteredOut, result.Status)
	assert.Zero(t, veto.stored)

	require.NoError(t, a.idx.View(func(tx *index.Tx) error {
		stats, err := tx.GlobalCounters()
		require.NoError(t, err)
		assert.Zero(t, stats.InstanceCount, "no persistent effect")
		return nil
	}))
	assert.Zero(t, a.blobCount(t))
}

type failingFilter struct {
	bus.BaseListener
}

func (failingFilter) FilterIncoming(context.Context, []byte, string) (bool, error) {
	return false, errors.New("scripting engine exploded")
}

func TestIngestFilterErrorAborts(t *testing.T) {
	a := newTestArchive(t, 0)
	a.bus.Register("boom", failingFilter{})

	_, err := a.coordinator.Store(context.Background(), StoreRequest{
		Dataset: testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"),
	})
	require.Error(t, err)
	assert.Zero(t, a.blobCount(t))
}

func TestDeleteInstanceCascades(t *testing.T) {
	a := newTestArchive(t, 0)
	result := a.store(t, testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))

	level := dicom.LevelInstance
	report, err := a.coordinator.Delete(result.PublicID, &level)
	require.NoError(t, err)
	assert.Nil(t, report.RemainingAncestor, "whole tree collapses")
	assert.Zero(t, a.blobCount(t), "blobs freed with the index rows")

	_, err = a.coordinator.ReadInstanceFile(result.PublicID)
	assert.Equal(t, errs.InexistentItem, errs.KindOf(err))
}

func TestReadInstanceFileRoundTrip(t *testing.T) {
	a := newTestArchive(t, 0)
	ds := testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5")
	result := a.store(t, ds)

	raw, err := a.coordinator.ReadInstanceFile(result.PublicID)
	require.NoError(t, err)

	parsed, err := dicom.Parse(raw)
	require.NoError(t, err)
	v, ok := parsed.Summarize().GetString(tag.SOPInstanceUID)
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4.5", v)
}

func TestStoredEventDispatched(t *testing.T) {
	a := newTestArchive(t, 0)
	listener := &recordingListener{}
	a.bus.Register("recorder", listener)

	a.store(t, testInstance(t, "P1", "1.2.3", "1.2.3.4", "1.2.3.4.5"))

	assert.Equal(t, []string{"1.2.3.4.5"}, listener.storedIDs())

	// The change dispatcher drains on a background task.
	require.Eventually(t, func() bool {
		return len(listener.changeKinds()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []models.ChangeKind{
		models.ChangeNewPatient,
		models.ChangeNewStudy,
		models.ChangeNewSeries,
		models.ChangeNewInstance,
	}, listener.changeKinds())
}

type recordingListener struct {
	bus.BaseListener
	mu      sync.Mutex
	stored  []string
	changes []models.ChangeKind
}

func (r *recordingListener) OnStored(_ context.Context, publicID string, _ *dicom.Dataset, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stored = append(r.stored, publicID)
	return nil
}

func (r *recordingListener) OnChange(_ context.Context, change bus.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change.Kind)
	return nil
}

func (r *recordingListener) storedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stored...)
}

func (r *recordingListener) changeKinds() []models.ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChangeKind(nil), r.changes...)
}
