package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lcfs/compliance-ledger/ledger"
)

// Observer receives relay counters. *metrics.Metrics satisfies it.
type Observer interface {
	EventsDelivered(n int)
	DeliveryFailed(n int)
	Pending(n int)
}

type nopObserver struct{}

func (nopObserver) EventsDelivered(int) {}
func (nopObserver) DeliveryFailed(int)  {}
func (nopObserver) Pending(int)         {}

const DefaultBatchSize = 100

// Relay moves committed outbox entries to a Publisher. An entry is marked
// published only after the sink accepted it.
//
// On a store that claims rows (PostgreSQL) the batch is read, published and
// marked in one transaction, so relays in separate processes never deliver
// the same batch concurrently. Other stores lock the whole database for a
// transaction; there the batch is read and marked in two short transactions
// and the publish runs between them, with the relay serializing its own runs.
type Relay struct {
	mu        sync.Mutex
	store     ledger.TxStore
	publisher Publisher
	logger    logrus.FieldLogger
	observer  Observer
	batchSize int
	clock     func() time.Time
}

type Option func(*Relay)

func WithLogger(l logrus.FieldLogger) Option { return func(r *Relay) { r.logger = l } }
func WithObserver(o Observer) Option         { return func(r *Relay) { r.observer = o } }
func WithBatchSize(n int) Option             { return func(r *Relay) { r.batchSize = n } }
func WithClock(c func() time.Time) Option    { return func(r *Relay) { r.clock = c } }

func NewRelay(store ledger.TxStore, publisher Publisher, opts ...Option) *Relay {
	r := &Relay{
		store:     store,
		publisher: publisher,
		logger:    logrus.StandardLogger(),
		observer:  nopObserver{},
		batchSize: DefaultBatchSize,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce delivers at most one batch and returns how many events were
// published. A sink failure is recorded on the entries and returned; the
// entries stay pending for the next run.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		delivered  int
		publishErr error
		err        error
	)
	if c, ok := r.store.(ledger.RowClaimer); ok && c.ClaimsRows() {
		delivered, publishErr, err = r.claimAndPublish(ctx)
	} else {
		delivered, publishErr, err = r.readPublishMark(ctx)
	}
	if err != nil {
		// The sink may have accepted the batch; it will be delivered again.
		r.logger.WithError(err).Error("outbox relay failed")
		return 0, err
	}
	if publishErr != nil {
		r.logger.WithError(publishErr).Warn("failed to publish outbox batch")
		return 0, publishErr
	}
	if delivered > 0 {
		r.observer.EventsDelivered(delivered)
		r.logger.WithField("count", delivered).Debug("outbox batch published")
	}
	return delivered, nil
}

// claimAndPublish holds the row claims across the publish.
func (r *Relay) claimAndPublish(ctx context.Context) (delivered int, publishErr, err error) {
	err = r.store.WithinTx(ctx, func(st ledger.Store) error {
		events, ids, err := r.pending(ctx, st)
		if err != nil || len(ids) == 0 {
			return err
		}
		if publishErr = r.publisher.Publish(ctx, events); publishErr != nil {
			r.observer.DeliveryFailed(len(ids))
			return st.MarkFailed(ctx, ids, publishErr.Error())
		}
		if err := st.MarkPublished(ctx, ids, r.clock().UTC()); err != nil {
			return err
		}
		delivered = len(ids)
		return nil
	})
	return delivered, publishErr, err
}

// readPublishMark publishes outside of any transaction.
func (r *Relay) readPublishMark(ctx context.Context) (delivered int, publishErr, err error) {
	var (
		events []ledger.Event
		ids    []string
	)
	err = r.store.WithinTx(ctx, func(st ledger.Store) error {
		var err error
		events, ids, err = r.pending(ctx, st)
		return err
	})
	if err != nil || len(ids) == 0 {
		return 0, nil, err
	}

	publishErr = r.publisher.Publish(ctx, events)
	err = r.store.WithinTx(ctx, func(st ledger.Store) error {
		if publishErr != nil {
			return st.MarkFailed(ctx, ids, publishErr.Error())
		}
		return st.MarkPublished(ctx, ids, r.clock().UTC())
	})
	if publishErr != nil {
		r.observer.DeliveryFailed(len(ids))
		return 0, publishErr, err
	}
	return len(ids), nil, err
}

func (r *Relay) pending(ctx context.Context, st ledger.Store) ([]ledger.Event, []string, error) {
	pending, err := st.PendingEvents(ctx, r.batchSize)
	if err != nil {
		return nil, nil, err
	}
	r.observer.Pending(len(pending))
	events := make([]ledger.Event, len(pending))
	ids := make([]string, len(pending))
	for i, entry := range pending {
		events[i] = entry.Event
		ids[i] = entry.Event.ID
	}
	return events, ids, nil
}

// Drain runs batches until the outbox is empty or a run fails.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RunOnce(ctx)
		total += n
		if err != nil || n == 0 || n < r.batchSize {
			return total, err
		}
	}
}
