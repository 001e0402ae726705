package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/index"
	"github.com/otcheredev/dicom-archive/internal/models"
	"github.com/otcheredev/dicom-archive/internal/storage"
)

// resourceDocument is the REST projection of one indexed resource.
type resourceDocument struct {
	PublicID string            `json:"public_id"`
	Level    string            `json:"level"`
	Parent   string            `json:"parent,omitempty"`
	Children []string          `json:"children,omitempty"`
	MainTags map[string]string `json:"main_tags"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (h *ArchiveHandler) pathLevel(r *http.Request) (dicom.Level, error) {
	return dicom.ParseLevel(chi.URLParam(r, "level"))
}

// resolve maps the {level}/{id} path pair to an internal id, rejecting
// public ids that exist at a different level.
func resolve(tx *index.Tx, level dicom.Level, publicID string) (int64, error) {
	id, actual, found, err := tx.LookupByPublicID(publicID)
	if err != nil {
		return 0, err
	}
	if !found || actual != level {
		return 0, errs.Newf(errs.InexistentItem, "unknown %s %s", level, publicID)
	}
	return id, nil
}

// GetResource returns a resource with its main tags, relations and
// metadata.
func (h *ArchiveHandler) GetResource(w http.ResponseWriter, r *http.Request) {
	level, err := h.pathLevel(r)
	if err != nil {
		writeError(w, err)
		return
	}
	publicID := chi.URLParam(r, "id")

	var doc resourceDocument
	err = h.index.View(func(tx *index.Tx) error {
		id, err := resolve(tx, level, publicID)
		if err != nil {
			return err
		}
		res, err := tx.Resource(id)
		if err != nil {
			return err
		}

		doc = resourceDocument{
			PublicID: res.PublicID,
			Level:    res.Level,
			MainTags: map[string]string{},
			Metadata: map[string]string{},
		}
		if res.ParentID != nil {
			parent, err := tx.Resource(*res.ParentID)
			if err != nil {
				return err
			}
			doc.Parent = parent.PublicID
		}

		children, err := tx.Children(id)
		if err != nil {
			return err
		}
		for _, cid := range children {
			child, err := tx.Resource(cid)
			if err != nil {
				return err
			}
			doc.Children = append(doc.Children, child.PublicID)
		}

		tags, err := tx.MainTags(id)
		if err != nil {
			return err
		}
		for t, v := range tags {
			name := dicom.TagName(t)
			if name == "" {
				name = dicom.TagKey(t)
			}
			doc.MainTags[name] = v.Str
		}

		meta, err := tx.AllMetadata(id)
		if err != nil {
			return err
		}
		for kind, v := range meta {
			doc.Metadata[strconv.Itoa(int(kind))] = v
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// DeleteResource removes a resource and reports the highest surviving
// ancestor.
func (h *ArchiveHandler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	level, err := h.pathLevel(r)
	if err != nil {
		writeError(w, err)
		return
	}

	report, err := h.ingest.Delete(chi.URLParam(r, "id"), &level)
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]interface{}{"deleted": report.Deleted.PublicID}
	if report.RemainingAncestor != nil {
		body["remaining_ancestor"] = map[string]string{
			"public_id": report.RemainingAncestor.PublicID,
			"level":     report.RemainingAncestor.Level.String(),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// GetInstanceFile streams the raw DICOM bytes of an instance.
func (h *ArchiveHandler) GetInstanceFile(w http.ResponseWriter, r *http.Request) {
	raw, err := h.ingest.ReadInstanceFile(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/dicom")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// GetInstanceTags returns the JSON projection of an instance in the
// requested format.
func (h *ArchiveHandler) GetInstanceTags(w http.ResponseWriter, r *http.Request) {
	publicID := chi.URLParam(r, "id")

	format := dicom.JSONFull
	switch r.URL.Query().Get("format") {
	case "", "full":
	case "simple":
		format = dicom.JSONSimple
	case "short":
		format = dicom.JSONShort
	default:
		writeError(w, errs.New(errs.BadRequest, "unknown format"))
		return
	}

	if format == dicom.JSONFull {
		// The stored attachment already carries the full projection.
		var info storage.AttachmentInfo
		err := h.index.View(func(tx *index.Tx) error {
			id, err := resolve(tx, dicom.LevelInstance, publicID)
			if err != nil {
				return err
			}
			a, ok, err := tx.LookupAttachment(id, storage.ContentDicomAsJSON)
			if err != nil {
				return err
			}
			if !ok {
				return errs.Newf(errs.InexistentFile, "instance %s has no JSON attachment", publicID)
			}
			info = a
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		raw, err := h.ingest.Accessor().Read(info, true)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(raw)
		return
	}

	guard, err := h.ingest.Datasets().Access(publicID)
	if err != nil {
		writeError(w, err)
		return
	}
	doc := dicom.ToJSON(guard.Dataset(), format, 0)
	guard.Release()
	writeJSON(w, http.StatusOK, doc)
}

// GetAttachment returns the attachment record of an instance.
func (h *ArchiveHandler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	contentType := storage.ContentType(chi.URLParam(r, "type"))
	switch contentType {
	case storage.ContentDicom, storage.ContentDicomAsJSON:
	default:
		writeError(w, errs.Newf(errs.BadRequest, "unknown attachment type %q", contentType))
		return
	}

	var info storage.AttachmentInfo
	err := h.index.View(func(tx *index.Tx) error {
		id, err := resolve(tx, dicom.LevelInstance, chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		a, ok, err := tx.LookupAttachment(id, contentType)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Newf(errs.InexistentItem, "no %s attachment", contentType)
		}
		info = a
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetProtected reports the recycling protection of a patient.
func (h *ArchiveHandler) GetProtected(w http.ResponseWriter, r *http.Request) {
	protected, err := h.ingest.IsProtected(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"protected": protected})
}

// SetProtected toggles the recycling protection of a patient. The body is
// the bare JSON boolean, or {"protected": bool}.
func (h *ArchiveHandler) SetProtected(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, errs.Wrap(errs.BadRequest, "invalid body", err))
		return
	}
	var protected bool
	if err := json.Unmarshal(raw, &protected); err != nil {
		var body struct {
			Protected bool `json:"protected"`
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(w, errs.Wrap(errs.BadRequest, "invalid body", err))
			return
		}
		protected = body.Protected
	}
	if err := h.ingest.SetProtected(chi.URLParam(r, "id"), protected); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func metadataKind(r *http.Request) (models.MetadataKind, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "kind"))
	if err != nil {
		return 0, errs.New(errs.BadRequest, "metadata kind must be numeric")
	}
	kind := models.MetadataKind(n)
	if !models.KnownMetadataKind(kind) {
		return 0, errs.Newf(errs.BadRequest, "unknown metadata kind %d", n)
	}
	return kind, nil
}

// GetMetadata returns one metadata value of a resource.
func (h *ArchiveHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	level, err := h.pathLevel(r)
	if err != nil {
		writeError(w, err)
		return
	}
	kind, err := metadataKind(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var value string
	err = h.index.View(func(tx *index.Tx) error {
		id, err := resolve(tx, level, chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		v, ok, err := tx.GetMetadata(id, kind)
		if err != nil {
			return err
		}
		if !ok {
			return errs.Newf(errs.InexistentItem, "no metadata of kind %d", kind)
		}
		value = v
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(value))
}

// PutMetadata sets one metadata value of a resource.
func (h *ArchiveHandler) PutMetadata(w http.ResponseWriter, r *http.Request) {
	level, err := h.pathLevel(r)
	if err != nil {
		writeError(w, err)
		return
	}
	kind, err := metadataKind(r)
	if err != nil {
		writeError(w, err)
		return
	}
	value, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, errs.Wrap(errs.BadRequest, "cannot read body", err))
		return
	}

	err = h.index.Update(func(tx *index.Tx) error {
		id, err := resolve(tx, level, chi.URLParam(r, "id"))
		if err != nil {
			return err
		}
		return tx.SetMetadata(id, kind, string(value))
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
