package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/otcheredev/dicom-archive/internal/errs"
	"github.com/otcheredev/dicom-archive/internal/ingest"
	"github.com/otcheredev/dicom-archive/internal/scheduler"
	"github.com/otcheredev/dicom-archive/pkg/dimse"
)

// JobsHandler exposes the scheduler and peer-forwarding surface.
type JobsHandler struct {
	scheduler *scheduler.Scheduler
	pool      *dimse.Pool
	ingest    *ingest.Coordinator
}

func NewJobsHandler(s *scheduler.Scheduler, pool *dimse.Pool, ing *ingest.Coordinator) *JobsHandler {
	return &JobsHandler{scheduler: s, pool: pool, ingest: ing}
}

type peerStoreRequest struct {
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Resources []string `json:"resources"`
}

// StoreToPeer expands the given resources to instances and submits a chain
// forwarding them to the peer via C-STORE.
func (h *JobsHandler) StoreToPeer(w http.ResponseWriter, r *http.Request) {
	var req peerStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.BadRequest, "invalid body", err))
		return
	}
	if req.Host == "" || req.Port == 0 || len(req.Resources) == 0 {
		writeError(w, errs.New(errs.BadRequest, "host, port and resources are required"))
		return
	}

	var (
		instances []string
		total     int64
	)
	for _, publicID := range req.Resources {
		ids, size, err := h.ingest.ExpandToInstances(publicID)
		if err != nil {
			writeError(w, err)
			return
		}
		instances = append(instances, ids...)
		total += size
	}

	peer := dimse.Peer{AET: chi.URLParam(r, "peer"), Host: req.Host, Port: req.Port}
	chain := scheduler.NewChain("store to "+peer.String(), instances, total,
		&scheduler.ForwardJob{Pool: h.pool, Peer: peer, Source: h.ingest})

	id, err := h.scheduler.Submit(chain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"chain":     id.String(),
		"instances": len(instances),
	})
}

func chainID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, errs.New(errs.BadRequest, "invalid chain id")
	}
	return id, nil
}

// ChainStatus reports the lifecycle state of a chain.
func (h *JobsHandler) ChainStatus(w http.ResponseWriter, r *http.Request) {
	id, err := chainID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := h.scheduler.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// CancelChain flags a chain for cancellation.
func (h *JobsHandler) CancelChain(w http.ResponseWriter, r *http.Request) {
	id, err := chainID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.scheduler.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
