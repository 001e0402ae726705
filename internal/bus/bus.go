package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicom-archive/internal/dicom"
	"github.com/otcheredev/dicom-archive/internal/models"
)

// ChangeEvent is the in-process projection of a committed change record.
type ChangeEvent struct {
	Seq      int64             `json:"seq"`
	Kind     models.ChangeKind `json:"kind"`
	Level    string            `json:"level"`
	PublicID string            `json:"public_id"`
	Time     time.Time         `json:"timestamp"`
}

// Listener is the capability set a registered collaborator implements.
// FilterIncoming may veto an ingest; OnStored and OnChange are best-effort
// notifications.
type Listener interface {
	FilterIncoming(ctx context.Context, instanceJSON []byte, remoteAET string) (bool, error)
	OnStored(ctx context.Context, publicID string, ds *dicom.Dataset, instanceJSON []byte) error
	OnChange(ctx context.Context, change ChangeEvent) error
}

// BaseListener is a no-op Listener for embedding; implementations override
// the callbacks they care about.
type BaseListener struct{}

func (BaseListener) FilterIncoming(context.Context, []byte, string) (bool, error) {
	return true, nil
}
func (BaseListener) OnStored(context.Context, string, *dicom.Dataset, []byte) error { return nil }
func (BaseListener) OnChange(context.Context, ChangeEvent) error                    { return nil }

type entry struct {
	name     string
	listener Listener
}

// Bus is the in-process registry of named listeners. Callbacks run under the
// bus lock in registration order; listeners must not re-enter the bus
// synchronously.
type Bus struct {
	mu      sync.Mutex
	entries []entry
}

func New() *Bus {
	return &Bus{}
}

// Register adds a listener under a name. Re-registering a name replaces the
// previous listener in place, keeping its position in the dispatch order.
func (b *Bus) Register(name string, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].name == name {
			b.entries[i].listener = l
			return
		}
	}
	b.entries = append(b.entries, entry{name: name, listener: l})
	log.Debug().Str("listener", name).Msg("Listener registered")
}

// Unregister removes a listener by name.
func (b *Bus) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		if b.entries[i].name == name {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// FilterIncoming consults listeners in registration order. The first one
// returning false short-circuits and the ingest is dropped. Listener errors
// abort the ingest and propagate to the caller.
func (b *Bus) FilterIncoming(ctx context.Context, instanceJSON []byte, remoteAET string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		accept, err := e.listener.FilterIncoming(ctx, instanceJSON, remoteAET)
		if err != nil {
			return false, err
		}
		if !accept {
			log.Info().Str("listener", e.name).Str("remote_aet", remoteAET).Msg("Instance filtered out")
			return false, nil
		}
	}
	return true, nil
}

// NotifyStored fans a stored-instance event out to every listener. Failures
// are logged and swallowed.
func (b *Bus) NotifyStored(ctx context.Context, publicID string, ds *dicom.Dataset, instanceJSON []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		b.callSwallowing(e.name, "on_stored", func() error {
			return e.listener.OnStored(ctx, publicID, ds, instanceJSON)
		})
	}
}

// NotifyChange fans a change record out to every listener. Failures are
// logged and swallowed.
func (b *Bus) NotifyChange(ctx context.Context, change ChangeEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		b.callSwallowing(e.name, "on_change", func() error {
			return e.listener.OnChange(ctx, change)
		})
	}
}

func (b *Bus) callSwallowing(name, op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("listener", name).Str("callback", op).
				Interface("panic", r).Msg("Listener panicked")
		}
	}()
	if err := fn(); err != nil {
		log.Warn().Str("listener", name).Str("callback", op).Err(err).Msg("Listener failed")
	}
}
