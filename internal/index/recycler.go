package index

import (
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-archive/internal/errs"
)

// Recycler enforces the archive caps by evicting the least-recently-accessed
// unprotected patients. Zero caps disable the corresponding limit.
type Recycler struct {
	MaxPatientCount int64
	MaxStorageSize  int64 // compressed bytes
}

// Enabled reports whether any cap is configured.
func (r *Recycler) Enabled() bool {
	return r != nil && (r.MaxPatientCount > 0 || r.MaxStorageSize > 0)
}

func (r *Recycler) exceeded(s Stats) bool {
	if r.MaxPatientCount > 0 && s.PatientCount > r.MaxPatientCount {
		return true
	}
	if r.MaxStorageSize > 0 && s.CompressedTotal > r.MaxStorageSize {
		return true
	}
	return false
}

// EnsureCapacity deletes recycling candidates inside the ongoing transaction
// until the caps hold, never touching avoid (the patient currently being
// written). It returns the deletion reports for post-commit blob removal and
// change dispatch, or FullStorage when no candidate remains while a cap is
// still violated.
func (r *Recycler) EnsureCapacity(tx *Tx, avoid int64) ([]*DeletionReport, error) {
	if !r.Enabled() {
		return nil, nil
	}

	var reports []*DeletionReport
	for {
		stats, err := tx.GlobalCounters()
		if err != nil {
			return nil, err
		}
		if !r.exceeded(stats) {
			return reports, nil
		}

		candidate, err := tx.SelectPatientToRecycle(avoid)
		if err != nil {
			return nil, err
		}
		if candidate == 0 {
			return nil, errs.Newf(errs.FullStorage,
				"quota exceeded (%d patients, %d compressed bytes) and no patient can be recycled",
				stats.PatientCount, stats.CompressedTotal)
		}

		report, err := tx.DeleteResource(candidate)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
		log.Info().
			Str("patient", report.Deleted.PublicID).
			Int("freed_attachments", len(report.FreedAttachments)).
			Msg("Recycled patient")
	}
}
