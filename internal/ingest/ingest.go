package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/dicom-archive/internal/bus"
	"github.com/otcheredev/dicom-archive/internal/cache"
	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/index"
	"github.com/otcheredev/dicom-archive/internal/models"
	"github.com/otcheredev/dicom-archive/internal/storage"
)

// StoreStatus is the outcome of one ingest.
type StoreStatus string

const (
	StoreSuccess       StoreStatus = "Success"
	StoreAlreadyStored StoreStatus = "AlreadyStored"
	StoreFilteredOut   StoreStatus = "FilteredOut"
	StoreFailure       StoreStatus = "Failure"
)

// Origin describes where an instance came from.
type Origin struct {
	RemoteAET     string
	RequestOrigin string // "dimse", "rest", "plugin", ...
}

// StoreRequest is one inbound instance. Bytes or Dataset must be set; the
// coordinator computes whatever is missing.
type StoreRequest struct {
	Bytes   []byte
	Dataset *dicom.Dataset
	Origin  Origin
}

// StoreResult reports the outcome and the coordinates of the instance.
type StoreResult struct {
	Status      StoreStatus `json:"status"`
	PublicID    string      `json:"public_id,omitempty"`
	Patient     string      `json:"parent_patient,omitempty"`
	Study       string      `json:"parent_study,omitempty"`
	Series      string      `json:"parent_series,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}

// Coordinator drives the store pipeline: parse, filter, persist, index,
// dispatch.
type Coordinator struct {
	index      *index.Index
	accessor   *storage.Accessor
	bus        *bus.Bus
	dispatcher *bus.Dispatcher
	recycler   *index.Recycler
	datasets   *DatasetCache
	byteCache  cache.Cache
	maxStrLen  int
}

// NewCoordinator wires the ingest path. The dataset cache is created here
// and fed by successful ingests; misses read back through the accessor.
func NewCoordinator(idx *index.Index, accessor *storage.Accessor, b *bus.Bus,
	dispatcher *bus.Dispatcher, recycler *index.Recycler, cacheCapacity int) *Coordinator {

	c := &Coordinator{
		index:      idx,
		accessor:   accessor,
		bus:        b,
		dispatcher: dispatcher,
		recycler:   recycler,
		maxStrLen:  dicom.DefaultMaxStringLength,
	}
	c.datasets = NewDatasetCache(cacheCapacity, c.loadDataset)
	return c
}

// WithByteCache attaches the byte cache so deletions and recycling evict
// the stale JSON documents of removed instances.
func (c *Coordinator) WithByteCache(bc cache.Cache) *Coordinator {
	c.byteCache = bc
	return c
}

// Datasets exposes the parsed-instance cache.
func (c *Coordinator) Datasets() *DatasetCache {
	return c.datasets
}

// Accessor exposes the storage accessor for read paths.
func (c *Coordinator) Accessor() *storage.Accessor {
	return c.accessor
}

// loadDataset is the cache-miss provider: read the DICOM attachment and
// parse it.
func (c *Coordinator) loadDataset(publicID string) (*dicom.Dataset, error) {
	raw, err := c.ReadInstanceFile(publicID)
	if err != nil {
		return nil, err
	}
	return dicom.Parse(raw)
}

// ReadInstanceFile returns the uncompressed DICOM bytes of an instance.
func (c *Coordinator) ReadInstanceFile(publicID string) ([]byte, error) {
	var info storage.AttachmentInfo
	err := c.index.View(func(tx *index.Tx) error {
		id, level, found, err := tx.LookupByPublicID(publicID)
		if err != nil {
			return err
		}
		if !found || level != dicom.LevelInstance {
			return errs.Newf(errs.InexistentItem, "unknown instance %s", publicID)
		}
		a, ok, err := tx.LookupAttachment(id, storage.ContentDicom)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Newf(errs.InexistentFile, "instance %s has no DICOM attachment", publicID)
		}
		info = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.accessor.Read(info, true)
}

// Store runs the full ingest pipeline on one instance.
func (c *Coordinator) Store(ctx context.Context, req StoreRequest) (StoreResult, error) {
	start := time.Now()

	// Step 1: compute missing information.
	ds := req.Dataset
	raw := req.Bytes
	var err error
	if ds == nil {
		if len(raw) == 0 {
			return StoreResult{Status: StoreFailure}, errs.New(errs.BadRequest, "empty store request")
		}
		if ds, err = dicom.Parse(raw); err != nil {
			return StoreResult{Status: StoreFailure}, err
		}
	} else if len(raw) == 0 {
		if raw, err = dicom.Serialize(ds); err != nil {
			return StoreResult{Status: StoreFailure}, err
		}
	}

	summary := ds.Summarize()
	jsonBytes, err := json.Marshal(dicom.ToJSON(ds, dicom.JSONFull, c.maxStrLen))
	if err != nil {
		return StoreResult{Status: StoreFailure}, errs.Wrap(errs.InternalError, "cannot render JSON projection", err)
	}

	// Steps 2-3: identity and required tags, checked before any blob is
	// written so a rejected instance leaves no orphan.
	identity, err := dicom.IdentityOf(summary)
	if err != nil {
		log.Warn().Err(err).Str("remote_aet", req.Origin.RemoteAET).Msg("Rejecting instance without identifiers")
		return StoreResult{Status: StoreFailure}, err
	}
	fingerprint := identity.Fingerprint()

	// Step 4: filter phase.
	accepted, err := c.bus.FilterIncoming(ctx, jsonBytes, req.Origin.RemoteAET)
	if err != nil {
		return StoreResult{Status: StoreFailure}, err
	}
	if !accepted {
		ingestTotal.WithLabelValues(string(StoreFilteredOut)).Inc()
		return StoreResult{Status: StoreFilteredOut, Fingerprint: fingerprint}, nil
	}

	// Step 5: write both blobs.
	dicomInfo, err := c.accessor.Write(raw, storage.ContentDicom)
	if err != nil {
		return StoreResult{Status: StoreFailure}, err
	}
	jsonInfo, err := c.accessor.Write(jsonBytes, storage.ContentDicomAsJSON)
	if err != nil {
		c.removeBlob(dicomInfo)
		return StoreResult{Status: StoreFailure}, err
	}

	// Step 6: transact against the index.
	var (
		result         = StoreResult{Fingerprint: fingerprint}
		committed      []bus.ChangeEvent
		freedByRecycle []storage.AttachmentInfo
		invalidated    []string
		recycled       int
	)
	err = c.index.Update(func(tx *index.Tx) error {
		committed = committed[:0]
		freedByRecycle = freedByRecycle[:0]
		invalidated = invalidated[:0]

		// 6a: duplicate instance.
		instanceID, level, found, err := tx.LookupByPublicID(identity.SOPUID)
		if err != nil {
			return err
		}
		if found {
			if level != dicom.LevelInstance {
				return errs.Newf(errs.BadRequest, "%s already identifies a %s", identity.SOPUID, level)
			}
			if err := tx.SetMetadata(instanceID, models.MetadataLastUpdate, now()); err != nil {
				return err
			}
			result.Status = StoreAlreadyStored
			result.PublicID = identity.SOPUID
			return nil
		}

		// 6b: ensure ancestors, creation order patient -> study -> series.
		patientID, patientCreated, patientPublic, err := c.ensurePatient(tx, identity, summary)
		if err != nil {
			return err
		}
		studyID, studyCreated, err := c.ensureChild(tx, identity, summary, dicom.LevelStudy, patientID)
		if err != nil {
			return err
		}
		seriesID, seriesCreated, err := c.ensureChild(tx, identity, summary, dicom.LevelSeries, studyID)
		if err != nil {
			return err
		}

		// 6c: the instance itself.
		instanceID, err = tx.CreateResource(identity.SOPUID, dicom.LevelInstance)
		if err != nil {
			return err
		}
		if err := tx.AttachChild(seriesID, instanceID); err != nil {
			return err
		}
		if err := c.storeMainTags(tx, instanceID, summary, dicom.LevelInstance); err != nil {
			return err
		}
		if err := tx.AddAttachment(instanceID, dicomInfo); err != nil {
			return err
		}
		if err := tx.AddAttachment(instanceID, jsonInfo); err != nil {
			return err
		}

		siblings, err := tx.ChildCount(seriesID)
		if err != nil {
			return err
		}
		meta := map[models.MetadataKind]string{
			models.MetadataReceptionDate: now(),
			models.MetadataRemoteAet:     req.Origin.RemoteAET,
			models.MetadataIndexInSeries: strconv.FormatInt(siblings, 10),
			models.MetadataLastUpdate:    now(),
		}
		for kind, value := range meta {
			if err := tx.SetMetadata(instanceID, kind, value); err != nil {
				return err
			}
		}

		if err := tx.TouchPatient(patientID); err != nil {
			return err
		}

		// 6d: recycling against the projected totals.
		reports, err := c.recycler.EnsureCapacity(tx, patientID)
		if err != nil {
			return err
		}
		recycled = len(reports)
		for _, r := range reports {
			freedByRecycle = append(freedByRecycle, r.FreedAttachments...)
			invalidated = append(invalidated, r.DeletedInstances...)
			committed = append(committed, changeEvent(r.Change))
		}

		// 6e: change records, in creation order.
		if patientCreated {
			ch, err := tx.LogChange(models.ChangeNewPatient, dicom.LevelPatient, patientPublic)
			if err != nil {
				return err
			}
			committed = append(committed, changeEvent(ch))
		}
		if studyCreated {
			ch, err := tx.LogChange(models.ChangeNewStudy, dicom.LevelStudy, identity.StudyUID)
			if err != nil {
				return err
			}
			committed = append(committed, changeEvent(ch))
		}
		if seriesCreated {
			ch, err := tx.LogChange(models.ChangeNewSeries, dicom.LevelSeries, identity.SeriesUID)
			if err != nil {
				return err
			}
			committed = append(committed, changeEvent(ch))
		}
		ch, err := tx.LogChange(models.ChangeNewInstance, dicom.LevelInstance, identity.SOPUID)
		if err != nil {
			return err
		}
		committed = append(committed, changeEvent(ch))

		result.Status = StoreSuccess
		result.PublicID = identity.SOPUID
		result.Patient = patientPublic
		result.Study = identity.StudyUID
		result.Series = identity.SeriesUID
		return nil
	})

	if err != nil {
		// Rolled back: the two fresh blobs must not leak.
		c.removeBlob(dicomInfo)
		c.removeBlob(jsonInfo)
		ingestTotal.WithLabelValues(string(StoreFailure)).Inc()
		return StoreResult{Status: StoreFailure, Fingerprint: fingerprint}, err
	}

	if result.Status == StoreAlreadyStored {
		// The hierarchy did not change; the blobs written in step 5 are
		// orphans of this request.
		c.removeBlob(dicomInfo)
		c.removeBlob(jsonInfo)
		ingestTotal.WithLabelValues(string(StoreAlreadyStored)).Inc()
		log.Debug().Str("public_id", result.PublicID).Msg("Instance already stored")
		return result, nil
	}

	// Step 7: post-commit effects.
	for _, info := range freedByRecycle {
		c.removeBlob(info)
	}
	for _, publicID := range invalidated {
		c.invalidateInstance(ctx, publicID)
	}
	for _, change := range committed {
		c.dispatcher.Publish(change)
	}
	c.datasets.Put(result.PublicID, ds)
	c.bus.NotifyStored(ctx, result.PublicID, ds, jsonBytes)

	ingestTotal.WithLabelValues(string(StoreSuccess)).Inc()
	ingestBytes.Add(float64(len(raw)))
	deletedResources.Add(float64(recycled))
	log.Info().
		Str("public_id", result.PublicID).
		Str("fingerprint", fingerprint).
		Str("remote_aet", req.Origin.RemoteAET).
		Str("origin", req.Origin.RequestOrigin).
		Dur("elapsed", time.Since(start)).
		Msg("Instance stored")
	return result, nil
}

// ensurePatient resolves or creates the patient. Patients are keyed by the
// PatientID identifier; their public id is a random UUID assigned here.
func (c *Coordinator) ensurePatient(tx *index.Tx, identity dicom.Identity, summary dicom.Map) (int64, bool, string, error) {
	matches, err := tx.LookupIdentifier(tag.PatientID, identity.PatientID, dicom.LevelPatient)
	if err != nil {
		return 0, false, "", err
	}
	if len(matches) > 0 {
		res, err := tx.Resource(matches[0])
		if err != nil {
			return 0, false, "", err
		}
		return matches[0], false, res.PublicID, nil
	}

	publicID := uuid.NewString()
	id, err := tx.CreateResource(publicID, dicom.LevelPatient)
	if err != nil {
		return 0, false, "", err
	}
	if err := c.storeMainTags(tx, id, summary, dicom.LevelPatient); err != nil {
		return 0, false, "", err
	}
	return id, true, publicID, nil
}

// ensureChild resolves or creates the study or series, attaching it under
// parentID on creation.
func (c *Coordinator) ensureChild(tx *index.Tx, identity dicom.Identity, summary dicom.Map,
	level dicom.Level, parentID int64) (int64, bool, error) {

	publicID := identity.PublicID(level)
	id, existingLevel, found, err := tx.LookupByPublicID(publicID)
	if err != nil {
		return 0, false, err
	}
	if found {
		if existingLevel != level {
			return 0, false, errs.Newf(errs.BadRequest, "%s already identifies a %s", publicID, existingLevel)
		}
		return id, false, nil
	}

	id, err = tx.CreateResource(publicID, level)
	if err != nil {
		return 0, false, err
	}
	if err := tx.AttachChild(parentID, id); err != nil {
		return 0, false, err
	}
	if err := c.storeMainTags(tx, id, summary, level); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (c *Coordinator) storeMainTags(tx *index.Tx, id int64, summary dicom.Map, level dicom.Level) error {
	for t, v := range summary.Extract(level) {
		if v.Null {
			continue
		}
		if err := tx.SetMainTag(id, t, v.Str); err != nil {
			return err
		}
	}
	return nil
}

// invalidateInstance keeps both caches coherent with the index after an
// instance row is gone.
func (c *Coordinator) invalidateInstance(ctx context.Context, publicID string) {
	c.datasets.Invalidate(publicID)
	if err := cache.EvictInstance(ctx, c.byteCache, publicID); err != nil {
		log.Warn().Err(err).Str("public_id", publicID).Msg("Failed to evict cached documents")
	}
}

func (c *Coordinator) removeBlob(info storage.AttachmentInfo) {
	if info.UUID == "" {
		return
	}
	if err := c.accessor.Remove(info.UUID, info.ContentType); err != nil {
		log.Warn().Err(err).Str("uuid", info.UUID).Msg("Failed to remove blob")
	}
}

func changeEvent(ch models.Change) bus.ChangeEvent {
	return bus.ChangeEvent{
		Seq:      ch.Seq,
		Kind:     ch.Kind,
		Level:    ch.Level,
		PublicID: ch.PublicID,
		Time:     ch.CreatedAt,
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
