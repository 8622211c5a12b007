package cursor

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/navirec/fleet-streamer/internal/metrics"
)

// Writer persists watermarks off the hot path. Advance never blocks event
// dispatch: writes are coalesced so only the latest value reaches the store
// when events outpace it. The watermark never regresses; an older value is
// dropped on arrival.
type Writer struct {
	accountID uuid.UUID
	store     Store
	logger    *zap.Logger

	mu     sync.Mutex
	latest time.Time

	dirty    chan struct{} // capacity 1; a pending signal means "latest changed"
	done     chan struct{}
	finished chan struct{}
	stop     sync.Once
}

// NewWriter loads the durable cursor for the account and starts the
// background persist loop.
func NewWriter(accountID uuid.UUID, store Store, logger *zap.Logger) (*Writer, error) {
	stored, err := store.Load(accountID)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		accountID: accountID,
		store:     store,
		logger:    logger,
		latest:    stored.UpdatedAt,
		dirty:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Latest returns the current in-memory watermark (durable or better).
func (w *Writer) Latest() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}

// Advance records a newly seen watermark. Values at or before the current
// one are ignored, keeping the persisted cursor monotonically non-decreasing.
func (w *Writer) Advance(updatedAt time.Time) {
	if updatedAt.IsZero() {
		return
	}

	w.mu.Lock()
	if !updatedAt.After(w.latest) {
		w.mu.Unlock()
		return
	}
	w.latest = updatedAt
	w.mu.Unlock()

	select {
	case w.dirty <- struct{}{}:
	default:
	}
}

// Close flushes any pending value and stops the persist loop, returning once
// the final flush has completed.
func (w *Writer) Close() {
	w.stop.Do(func() { close(w.done) })
	<-w.finished
}

func (w *Writer) loop() {
	defer close(w.finished)

	var persisted time.Time

	flush := func() {
		w.mu.Lock()
		latest := w.latest
		w.mu.Unlock()

		if !latest.After(persisted) {
			return
		}
		if err := w.store.Save(w.accountID, Cursor{AccountID: w.accountID, UpdatedAt: latest}); err != nil {
			metrics.CursorSaveErrorsTotal.Inc()
			w.logger.Warn("cursor save failed",
				zap.String("account", w.accountID.String()),
				zap.Error(err),
			)
			return
		}
		persisted = latest
		metrics.CursorSavesTotal.Inc()
	}

	for {
		select {
		case <-w.done:
			flush()
			return
		case <-w.dirty:
			flush()
		}
	}
}

// WatermarkSink is the capability the dispatcher needs from the writer.
type WatermarkSink interface {
	Advance(updatedAt time.Time)
}

var _ WatermarkSink = (*Writer)(nil)
