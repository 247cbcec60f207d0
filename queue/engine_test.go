package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/policy"
	"github.com/mjl-mta/relaylib/smtp"
)

// fakeStore is a minimal in-memory Store for engine tests, independent of
// the store package (which has its own, fuller test coverage) so queue's
// tests don't depend on a particular Store implementation, mirroring the
// teacher's own practice of testing queue.go against in-memory fakes.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]StoreEntry
	next    int
}

func newFakeStore() *fakeStore { return &fakeStore{entries: map[string]StoreEntry{}} }

func (s *fakeStore) Write(ctx context.Context, env *message.Envelope, meta Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := fmt.Sprintf("id%d", s.next)
	s.entries[id] = StoreEntry{ID: id, Env: env, Meta: meta}
	return id, nil
}

func (s *fakeStore) Get(ctx context.Context, id string) (*message.Envelope, Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, Metadata{}, ErrNotFound
	}
	return e.Env, e.Meta, nil
}

func (s *fakeStore) WriteMetadata(ctx context.Context, id string, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Meta = meta
	s.entries[id] = e
	return nil
}

func (s *fakeStore) SetRecipientsDelivered(ctx context.Context, id string, delivered []bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Meta.Delivered = delivered
	s.entries[id] = e
	return nil
}

func (s *fakeStore) LoadAll(ctx context.Context) ([]StoreEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []StoreEntry
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out, nil
}

func (s *fakeStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// fakeRelay returns a scripted result for each delivery attempt, keyed by
// call count, so tests can simulate "fails transiently N times then the
// backoff gives up" (spec.md §4 scenario 3).
type fakeRelay struct {
	mu      sync.Mutex
	results []func(env *message.Envelope) (map[string]smtp.Reply, error)
	calls   int
}

func (r *fakeRelay) Deliver(ctx context.Context, env *message.Envelope) (map[string]smtp.Reply, error) {
	r.mu.Lock()
	i := r.calls
	r.calls++
	r.mu.Unlock()
	if i < len(r.results) {
		return r.results[i](env)
	}
	return r.results[len(r.results)-1](env)
}

func mustPath(t *testing.T, s string) smtp.Path {
	t.Helper()
	p, err := smtp.ParsePath(s)
	if err != nil {
		t.Fatalf("ParsePath(%q): %v", s, err)
	}
	return p
}

func waitForCount(t *testing.T, s *fakeStore, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.count() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store count = %d after timeout, want %d", s.count(), want)
}

func TestEngineSuccessRemovesRecord(t *testing.T) {
	store := newFakeStore()
	relay := &fakeRelay{results: []func(*message.Envelope) (map[string]smtp.Reply, error){
		func(env *message.Envelope) (map[string]smtp.Reply, error) {
			return map[string]smtp.Reply{env.Recipients[0].String(): smtp.Replyf(smtp.C250Completed, smtp.SeMailbox2Other0, "ok")}, nil
		},
	}}
	eng := NewEngine(Config{Store: store, Relay: relay, Backoff: DefaultBackoff(5)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	env := &message.Envelope{Sender: mustPath(t, "a@c.example"), Recipients: []smtp.Path{mustPath(t, "b@s.example")}}
	if _, err := eng.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForCount(t, store, 0, time.Second)
}

func TestEnginePermanentFailureBounces(t *testing.T) {
	store := newFakeStore()
	relay := &fakeRelay{results: []func(*message.Envelope) (map[string]smtp.Reply, error){
		func(env *message.Envelope) (map[string]smtp.Reply, error) {
			if env.Sender.IsZero() {
				// The bounce itself: deliver it successfully.
				return map[string]smtp.Reply{env.Recipients[0].String(): smtp.Replyf(smtp.C250Completed, smtp.SeMailbox2Other0, "ok")}, nil
			}
			return map[string]smtp.Reply{env.Recipients[0].String(): smtp.Replyf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")}, nil
		},
	}}
	eng := NewEngine(Config{Store: store, Relay: relay, Backoff: DefaultBackoff(5)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	env := &message.Envelope{Sender: mustPath(t, "a@c.example"), Recipients: []smtp.Path{mustPath(t, "b@s.example")}}
	if _, err := eng.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// original record plus its bounce (itself delivered and removed) should
	// both end up gone.
	waitForCount(t, store, 0, time.Second)
}

func TestEngineTransientThenBackoffGivesUp(t *testing.T) {
	store := newFakeStore()
	transient := func(env *message.Envelope) (map[string]smtp.Reply, error) {
		return map[string]smtp.Reply{env.Recipients[0].String(): smtp.Replyf(smtp.C421ServiceUnavail, smtp.SeNet4Timeout7, "try later")}, nil
	}
	relay := &fakeRelay{results: []func(*message.Envelope) (map[string]smtp.Reply, error){transient}}
	// Backoff that allows exactly 1 attempt then gives up, and returns a
	// near-zero delay so the test doesn't wait out a real schedule.
	fast := func(env *message.Envelope, attempt int) (time.Duration, bool) {
		if attempt > 1 {
			return 0, false
		}
		return time.Millisecond, true
	}
	eng := NewEngine(Config{Store: store, Relay: relay, Backoff: fast})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	env := &message.Envelope{Sender: mustPath(t, "a@c.example"), Recipients: []smtp.Path{mustPath(t, "b@s.example")}}
	if _, err := eng.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Original record bounces (no sender for the bounce -> bounce-of-bounce
	// suppressed, just logged) and is removed; no second record lingers.
	waitForCount(t, store, 0, 2*time.Second)
}

func TestEnginePartialSuccessNarrowsRecipients(t *testing.T) {
	store := newFakeStore()
	first := func(env *message.Envelope) (map[string]smtp.Reply, error) {
		out := map[string]smtp.Reply{}
		for _, r := range env.Recipients {
			if r.String() == "b@s.example" {
				out[r.String()] = smtp.Replyf(smtp.C250Completed, smtp.SeMailbox2Other0, "ok")
			} else {
				out[r.String()] = smtp.Replyf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "no such user")
			}
		}
		return out, nil
	}
	bounceDeliver := func(env *message.Envelope) (map[string]smtp.Reply, error) {
		return map[string]smtp.Reply{env.Recipients[0].String(): smtp.Replyf(smtp.C250Completed, smtp.SeMailbox2Other0, "ok")}, nil
	}
	relay := &fakeRelay{}
	relay.results = []func(*message.Envelope) (map[string]smtp.Reply, error){
		func(env *message.Envelope) (map[string]smtp.Reply, error) {
			if !env.Sender.IsZero() {
				return first(env)
			}
			return bounceDeliver(env)
		},
	}

	eng := NewEngine(Config{Store: store, Relay: relay, Backoff: DefaultBackoff(5)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	env := &message.Envelope{
		Sender: mustPath(t, "a@c.example"),
		Recipients: []smtp.Path{
			mustPath(t, "b@s.example"),
			mustPath(t, "c@s.example"),
		},
	}
	if _, err := eng.Enqueue(ctx, env); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// b succeeds, c fails permanently: narrowed then bounced for c, whole
	// record (and its bounce) end up removed, per spec.md §4 scenario 4.
	waitForCount(t, store, 0, time.Second)
}

// rejectAllPolicy rejects every envelope it sees, for exercising the
// PolicyRejected path without depending on any of the policy package's
// concrete policies.
type rejectAllPolicy struct{}

func (rejectAllPolicy) Apply(ctx context.Context, env *message.Envelope) ([]*message.Envelope, smtp.Reply, error) {
	return nil, smtp.Replyf(smtp.C550MailboxUnavail, smtp.SeAddr1UnknownDestMailbox1, "policy says no"), nil
}

func TestEnginePolicyRejection(t *testing.T) {
	store := newFakeStore()
	relay := &fakeRelay{results: []func(*message.Envelope) (map[string]smtp.Reply, error){
		func(env *message.Envelope) (map[string]smtp.Reply, error) { return nil, nil },
	}}
	eng := NewEngine(Config{
		Store:    store,
		Relay:    relay,
		Backoff:  DefaultBackoff(5),
		Policies: []policy.Policy{rejectAllPolicy{}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	env := &message.Envelope{Sender: mustPath(t, "a@c.example"), Recipients: []smtp.Path{mustPath(t, "b@s.example")}}
	_, err := eng.Enqueue(ctx, env)
	if err == nil {
		t.Fatalf("expected enqueue to be rejected")
	}
	var pr PolicyRejected
	if !errors.As(err, &pr) {
		t.Fatalf("error = %v, want a PolicyRejected", err)
	}
	if store.count() != 0 {
		t.Fatalf("store should have no records after a rejected enqueue")
	}
}

func TestEngineRestartSchedulesDueIDs(t *testing.T) {
	store := newFakeStore()
	past := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		env := &message.Envelope{Sender: mustPath(t, "a@c.example"), Recipients: []smtp.Path{mustPath(t, "b@s.example")}}
		if _, err := store.Write(context.Background(), env, Metadata{NextAttempt: past}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	relay := &fakeRelay{results: []func(*message.Envelope) (map[string]smtp.Reply, error){
		func(env *message.Envelope) (map[string]smtp.Reply, error) {
			return map[string]smtp.Reply{env.Recipients[0].String(): smtp.Replyf(smtp.C250Completed, smtp.SeMailbox2Other0, "ok")}, nil
		},
	}}
	eng := NewEngine(Config{Store: store, Relay: relay, Backoff: DefaultBackoff(5)})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Run(ctx)

	waitForCount(t, store, 0, time.Second)
}
