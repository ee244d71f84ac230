package notify_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-ledger/ledger"
	"github.com/lcfs/compliance-ledger/ledger/store"
	"github.com/lcfs/compliance-ledger/notify"
)

var ctx = context.Background()

type recorder struct {
	mu     sync.Mutex
	events []ledger.Event
	fail   error
}

func (r *recorder) Publish(_ context.Context, events []ledger.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, events...)
	return nil
}

func (r *recorder) Close() error { return nil }

type counts struct{ delivered, failed, pending int }

func (c *counts) EventsDelivered(n int) { c.delivered += n }
func (c *counts) DeliveryFailed(n int)  { c.failed += n }
func (c *counts) Pending(n int)         { c.pending = n }

func publish(t *testing.T, svc *ledger.Service, n int) {
	t.Helper()
	err := svc.Run(ctx, "test.publish", ledger.SystemActor, func(sess *ledger.Session) error {
		for i := 0; i < n; i++ {
			if err := sess.Publish(ctx, ledger.Event{
				WorkflowType: ledger.KindTransfer,
				WorkflowID:   "t-1",
				FromState:    "Recommended",
				ToState:      "Recorded",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func pending(t *testing.T, st ledger.TxStore) []ledger.OutboxEntry {
	t.Helper()
	var out []ledger.OutboxEntry
	require.NoError(t, st.WithinTx(ctx, func(s ledger.Store) error {
		var err error
		out, err = s.PendingEvents(ctx, 0)
		return err
	}))
	return out
}

func TestRelay_DeliversAndMarksPublished(t *testing.T) {
	mem := store.NewMemory()
	svc := ledger.NewService(mem)
	publish(t, svc, 3)

	sink := &recorder{}
	obs := &counts{}
	relay := notify.NewRelay(mem, sink, notify.WithObserver(obs), notify.WithBatchSize(2))

	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, sink.events, 3)
	assert.Equal(t, 3, obs.delivered)
	assert.Empty(t, pending(t, mem))

	n, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "published entries are not delivered again")
}

// GIVEN a sink that is down
// WHEN the relay runs
// THEN the entries stay pending with the failure recorded, and the next run delivers them
func TestRelay_FailureKeepsEntriesPending(t *testing.T) {
	mem := store.NewMemory()
	svc := ledger.NewService(mem)
	publish(t, svc, 2)

	sink := &recorder{fail: errors.New("broker unavailable")}
	obs := &counts{}
	relay := notify.NewRelay(mem, sink, notify.WithObserver(obs))

	_, err := relay.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, obs.failed)

	left := pending(t, mem)
	require.Len(t, left, 2)
	assert.Equal(t, 1, left[0].Attempts)
	assert.Equal(t, "broker unavailable", left[0].LastError)

	sink.fail = nil
	n, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, pending(t, mem))
}

// writingSink commits a ledger write while it publishes, the way a slow
// broker overlaps with request traffic.
type writingSink struct {
	recorder
	svc *ledger.Service
	org ledger.OrganizationID
}

func (s *writingSink) Publish(ctx context.Context, events []ledger.Event) error {
	err := s.svc.Run(ctx, "test.write", ledger.SystemActor, func(sess *ledger.Session) error {
		_, err := sess.Append(ctx, ledger.AppendInput{
			OrganizationID: s.org, ComplianceUnits: 1, Action: ledger.ActionAdjustment,
			EffectiveDate: sess.Now(), WorkflowKind: ledger.KindAdminAdjustment, WorkflowID: "during-publish",
			GovernmentIssued: true,
		})
		return err
	})
	if err != nil {
		return err
	}
	return s.recorder.Publish(ctx, events)
}

func TestRelay_PublishDoesNotHoldTheStore(t *testing.T) {
	mem := store.NewMemory()
	svc := ledger.NewService(mem)
	org, err := svc.CreateOrganization(ctx, ledger.Actor{ID: "admin", Role: ledger.RoleAdministrator}, ledger.NewOrganization{
		LegalName: "Fuel Co", Type: ledger.TypeFuelSupplier, Status: ledger.StatusRegistered,
	})
	require.NoError(t, err)
	publish(t, svc, 2)

	sink := &writingSink{svc: svc, org: org.ID}
	relay := notify.NewRelay(mem, sink)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := relay.RunOnce(ctx)
		done <- result{n, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, 2, res.n)
	case <-time.After(5 * time.Second):
		t.Fatal("relay held the store while publishing")
	}
	assert.Empty(t, pending(t, mem))
	b, err := svc.Balance(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Total)
}

func TestRelay_RolledBackTransitionPublishesNothing(t *testing.T) {
	mem := store.NewMemory()
	svc := ledger.NewService(mem)
	err := svc.Run(ctx, "test.publish", ledger.SystemActor, func(sess *ledger.Session) error {
		if err := sess.Publish(ctx, ledger.Event{WorkflowType: ledger.KindTransfer, WorkflowID: "t-2", ToState: "Recorded"}); err != nil {
			return err
		}
		return errors.New("guard failed after publish")
	})
	require.Error(t, err)

	sink := &recorder{}
	n, err := notify.NewRelay(mem, sink).RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.events)
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	events := []ledger.Event{{ID: "e1", WorkflowType: ledger.KindInitiativeAgreement, WorkflowID: "ia-1", ToState: "Approved"}}

	require.NoError(t, notify.Fanout{a, b}.Publish(ctx, events))
	assert.Equal(t, events, a.events)
	assert.Equal(t, events, b.events)

	b.fail = errors.New("down")
	assert.Error(t, notify.Fanout{a, b}.Publish(ctx, events))
}
