package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/index"
	"github.com/otcheredev/dicom-archive/internal/ingest"
	"github.com/otcheredev/dicom-archive/internal/lookup"
	"github.com/otcheredev/dicom-archive/internal/models"
)

// ArchiveHandler exposes the ingest, change-log and query surface.
type ArchiveHandler struct {
	ingest *ingest.Coordinator
	lookup *lookup.Engine
	index  *index.Index
}

func NewArchiveHandler(ing *ingest.Coordinator, lk *lookup.Engine, idx *index.Index) *ArchiveHandler {
	return &ArchiveHandler{ingest: ing, lookup: lk, index: idx}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := errs.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{
		"error":   errs.KindOf(err).String(),
		"message": err.Error(),
	})
}

// StoreInstance ingests one DICOM instance posted as the request body.
func (h *ArchiveHandler) StoreInstance(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<30))
	if err != nil {
		writeError(w, errs.Wrap(errs.BadRequest, "cannot read body", err))
		return
	}
	if len(body) == 0 {
		writeError(w, errs.New(errs.BadRequest, "empty body"))
		return
	}

	result, err := h.ingest.Store(r.Context(), ingest.StoreRequest{
		Bytes: body,
		Origin: ingest.Origin{
			RemoteAET:     r.Header.Get("X-Remote-AET"),
			RequestOrigin: "rest",
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ReadChanges pages through the change log.
func (h *ArchiveHandler) ReadChanges(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var (
		records []models.Change
		done    bool
	)
	err := h.index.View(func(tx *index.Tx) error {
		var err error
		records, done, err = tx.ReadChanges(since, limit)
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []models.Change{}
	}

	last := since
	if len(records) > 0 {
		last = records[len(records)-1].Seq
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": records,
		"done":    done,
		"last":    last,
	})
}

// ClearChanges wipes the change log.
func (h *ArchiveHandler) ClearChanges(w http.ResponseWriter, r *http.Request) {
	err := h.index.Update(func(tx *index.Tx) error {
		return tx.ClearChanges()
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Statistics reports the global counters.
func (h *ArchiveHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	var stats index.Stats
	err := h.index.View(func(tx *index.Tx) error {
		var err error
		stats, err = tx.GlobalCounters()
		return err
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type findRequest struct {
	Level string            `json:"level"`
	Query map[string]string `json:"query"`
	Limit int               `json:"limit"`
}

// Find runs a structured query and returns matching public ids.
func (h *ArchiveHandler) Find(w http.ResponseWriter, r *http.Request) {
	var req findRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.BadRequest, "invalid find request", err))
		return
	}

	level, err := dicom.ParseLevel(req.Level)
	if err != nil {
		writeError(w, err)
		return
	}

	q := lookup.Query{Level: level, MaxResults: req.Limit}
	for name, pattern := range req.Query {
		t, ok := dicom.FindTag(name)
		if !ok {
			writeError(w, errs.Newf(errs.BadRequest, "unknown tag %q", name))
			return
		}
		q.Constraints = append(q.Constraints, lookup.Constraint{Tag: t, Pattern: pattern})
	}

	ids, err := h.lookup.Find(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}
