package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-archive/pkg/dimse"
)

// InstanceSource resolves instance public ids to their DICOM bytes and SOP
// class.
type InstanceSource interface {
	ReadInstanceFile(publicID string) ([]byte, error)
	SOPClassOf(publicID string) string
}

// ForwardJob C-STOREs each input instance to a peer through the shared
// association pool. Per-instance failures are tolerated: the job reports the
// successfully forwarded ids and opts into IgnoreExceptions.
type ForwardJob struct {
	Pool   *dimse.Pool
	Peer   dimse.Peer
	Source InstanceSource
}

func (j *ForwardJob) IgnoreExceptions() bool {
	return true
}

// Apply forwards every input instance, returning the ids that made it.
func (j *ForwardJob) Apply(ctx context.Context, inputs []string) ([]string, error) {
	var forwarded []string
	for _, publicID := range inputs {
		raw, err := j.Source.ReadInstanceFile(publicID)
		if err != nil {
			log.Warn().Err(err).Str("public_id", publicID).Str("peer", j.Peer.String()).
				Msg("Cannot read instance for forwarding")
			continue
		}

		sopClass := j.Source.SOPClassOf(publicID)
		err = j.Pool.WithAssociation(ctx, j.Peer, func(a *dimse.Association) error {
			return a.CStore(ctx, sopClass, publicID, raw)
		})
		if err != nil {
			log.Warn().Err(err).Str("public_id", publicID).Str("peer", j.Peer.String()).
				Msg("C-STORE failed")
			continue
		}
		forwarded = append(forwarded, publicID)
	}

	log.Info().Int("forwarded", len(forwarded)).Int("requested", len(inputs)).
		Str("peer", j.Peer.String()).Msg("Forward job finished")
	return forwarded, nil
}
