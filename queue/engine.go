package queue

import (
	"container/heap"
	"context"
	"fmt"
	"time"

	"github.com/mjl-mta/relaylib/dsn"
	"github.com/mjl-mta/relaylib/internal/metrics"
	"github.com/mjl-mta/relaylib/internal/mlog"
	"github.com/mjl-mta/relaylib/message"
	"github.com/mjl-mta/relaylib/policy"
	"github.com/mjl-mta/relaylib/smtp"
)

// Relay is what the queue engine dispatches due messages to. It is an
// interface, not a direct dependency on the relay package, so that queue
// and relay never hold pointers to each other (spec.md §9 "Cyclic/aliased
// state"): relaylib's caller wires a concrete *relay.Manager in here when
// constructing an Engine.
type Relay interface {
	// Deliver attempts delivery of every recipient in env.Recipients not
	// already marked delivered. results is keyed by recipient path string
	// (smtp.Path.String()), one entry per attempted recipient.
	// transportErr is set only for failures that precede any per-recipient
	// classification (e.g. DNS/dial failure for the whole destination);
	// when set, results may be empty and every recipient is treated as
	// transient.
	Deliver(ctx context.Context, env *message.Envelope) (results map[string]smtp.Reply, transportErr error)
}

// Config configures an Engine. Store and Relay are required; a nil Backoff
// means DefaultBackoff(0), and the rest default sensibly.
type Config struct {
	Store    Store
	Relay    Relay
	Policies []policy.Policy
	Backoff  BackoffFunc

	// MaxConcurrentDeliveries bounds how many ids are in flight (being
	// dialed/delivered) at once, mirroring the teacher's busyDomains-gated
	// launchWork. 0 means DefaultMaxConcurrentDeliveries.
	MaxConcurrentDeliveries int

	// ReportingMTA names this system in bounce DSNs' Reporting-MTA field.
	ReportingMTA string

	Now func() time.Time
	Log *mlog.Log
}

// DefaultMaxConcurrentDeliveries is used when Config.MaxConcurrentDeliveries
// is 0.
const DefaultMaxConcurrentDeliveries = 20

// PolicyRejected wraps the smtp.Reply a pre-queue policy rejected an
// envelope with, so a caller that cares (unlike the generic 451 a
// smtpserver.NoopValidator emits for any Enqueue error) can recover the
// intended reply code.
type PolicyRejected struct {
	Reply smtp.Reply
}

func (e PolicyRejected) Error() string { return fmt.Sprintf("queue: rejected by policy: %s", e.Reply.Error()) }

type enqueueRequest struct {
	env      *message.Envelope
	resultCh chan enqueueResult
}

type enqueueResult struct {
	ids []string
	err error
}

type deliveryResult struct {
	id           string
	results      map[string]smtp.Reply
	transportErr error
}

// item is one scheduler-heap entry.
type item struct {
	id          string
	nextAttempt time.Time
	index       int
}

type scheduleHeap []*item

func (h scheduleHeap) Len() int            { return len(h) }
func (h scheduleHeap) Less(i, j int) bool  { return h[i].nextAttempt.Before(h[j].nextAttempt) }
func (h scheduleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *scheduleHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Engine is the durable scheduler between edge and relay (spec.md §4.5):
// a min-heap of due ids, a single goroutine (Run) that owns the heap and
// dispatches due work to Relay, and per-id in-flight tracking to prevent
// re-dispatching an id already being delivered. Grounded on the teacher's
// queue/queue.go dispatch loop (kick channel, timer reset to next due
// time, busyDomains concurrency gate), restructured onto the
// storage-contract interface from spec.md §4.6 instead of a direct bstore
// dependency, per spec.md §9's redesign note.
type Engine struct {
	store        Store
	relay        Relay
	policies     []policy.Policy
	backoff      BackoffFunc
	maxConcurrent int
	reportingMTA string
	now          func() time.Time
	log          *mlog.Log

	enqueueCh chan enqueueRequest
	resultCh  chan deliveryResult
	kick      chan struct{}
}

// NewEngine constructs an Engine. Call Run in its own goroutine before any
// delivery can happen; Enqueue may be called concurrently from multiple
// goroutines before and after Run starts (requests queue on an internal
// channel until Run is draining it).
func NewEngine(cfg Config) *Engine {
	backoff := cfg.Backoff
	if backoff == nil {
		backoff = DefaultBackoff(0)
	}
	maxConcurrent := cfg.MaxConcurrentDeliveries
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentDeliveries
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = mlog.New("queue")
	}
	return &Engine{
		store:         cfg.Store,
		relay:         cfg.Relay,
		policies:      cfg.Policies,
		backoff:       backoff,
		maxConcurrent: maxConcurrent,
		reportingMTA:  cfg.ReportingMTA,
		now:           now,
		log:           log,
		enqueueCh:     make(chan enqueueRequest),
		resultCh:      make(chan deliveryResult, maxConcurrent),
		kick:          make(chan struct{}, 1),
	}
}

// Enqueue runs the configured pre-queue policies over env (splitting or
// rejecting it as they dictate), writes the resulting envelope(s) to the
// store, and schedules each for immediate delivery. It returns the id of
// the first resulting envelope (the one an edge reports in its success
// reply's text), per spec.md §4.5 steps 1-4.
//
// A PolicyRejected error (or any wrapping error, see errors.As) means a
// policy rejected the envelope outright; any other error is a storage or
// internal failure. Both map to a transient 451 at the smtpserver layer
// by default (see smtpserver.NoopValidator.HandleQueued).
func (e *Engine) Enqueue(ctx context.Context, env *message.Envelope) (string, error) {
	resultCh := make(chan enqueueResult, 1)
	select {
	case e.enqueueCh <- enqueueRequest{env: env, resultCh: resultCh}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", res.err
		}
		return res.ids[0], nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run is the dispatcher loop: it owns the scheduler heap and is the only
// goroutine that reads/writes it, processing enqueue requests, delivery
// results, and due-time wakeups from a single select, mirroring the
// teacher's Start goroutine. Run blocks until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	h := &scheduleHeap{}
	heap.Init(h)
	inFlight := map[string]bool{}

	entries, err := e.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("queue: loading stored entries at startup: %w", err)
	}
	for _, en := range entries {
		heap.Push(h, &item{id: en.ID, nextAttempt: en.Meta.NextAttempt})
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-e.enqueueCh:
			ids, rerr := e.handleEnqueue(ctx, req.env)
			if rerr == nil {
				e.schedule(h, ids, e.now())
			}
			req.resultCh <- enqueueResult{ids: ids, err: rerr}
		case res := <-e.resultCh:
			delete(inFlight, res.id)
			metrics.QueueDepth.Dec()
			e.handleResult(ctx, h, res)
		case <-e.kick:
		case <-timer.C:
		}

		e.dispatchDue(ctx, h, inFlight)
		timer.Reset(e.nextWake(h, inFlight))
	}
}

// Kick wakes Run early, e.g. after an operator forces retry of held
// messages; unused by this module's own code paths but kept symmetrical
// with the teacher's queuekick for callers that manage messages out of
// band.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) handleEnqueue(ctx context.Context, env *message.Envelope) ([]string, error) {
	envs, reply, err := policy.Run(ctx, e.policies, env)
	if err != nil {
		return nil, fmt.Errorf("queue: running pre-queue policies: %w", err)
	}
	if !reply.IsZero() {
		return nil, PolicyRejected{Reply: reply}
	}
	ids := make([]string, 0, len(envs))
	now := e.now()
	for _, ev := range envs {
		meta := Metadata{Queued: now, NextAttempt: now}
		id, werr := e.store.Write(ctx, ev, meta)
		if werr != nil {
			return ids, fmt.Errorf("queue: writing envelope to store: %w", werr)
		}
		ev.QueuedID = id
		ids = append(ids, id)
		metrics.QueueDepth.Inc()
	}
	return ids, nil
}

// schedule adds freshly-written ids to the heap at nextAttempt. Only
// called from within Run's goroutine, which owns h.
func (e *Engine) schedule(h *scheduleHeap, ids []string, nextAttempt time.Time) {
	for _, id := range ids {
		heap.Push(h, &item{id: id, nextAttempt: nextAttempt})
	}
}

func (e *Engine) dispatchDue(ctx context.Context, h *scheduleHeap, inFlight map[string]bool) {
	now := e.now()
	for len(inFlight) < e.maxConcurrent && h.Len() > 0 {
		it := (*h)[0]
		if it.nextAttempt.After(now) {
			break
		}
		heap.Pop(h)
		if inFlight[it.id] {
			// Already being delivered (shouldn't normally happen since we
			// remove from the heap on dispatch), skip re-dispatch.
			continue
		}
		inFlight[it.id] = true
		go e.attempt(ctx, it.id)
	}
}

func (e *Engine) nextWake(h *scheduleHeap, inFlight map[string]bool) time.Duration {
	if len(inFlight) >= e.maxConcurrent || h.Len() == 0 {
		return 24 * time.Hour
	}
	d := time.Until((*h)[0].nextAttempt)
	if d < 0 {
		return 0
	}
	return d
}

func (e *Engine) attempt(ctx context.Context, id string) {
	env, meta, err := e.store.Get(ctx, id)
	if err != nil {
		e.log.Errorx("loading queued message for delivery", err, mlog.Field("id", id))
		e.resultCh <- deliveryResult{id: id, transportErr: err}
		return
	}
	deliverEnv := narrowRecipients(env, meta.Delivered)
	start := time.Now()
	results, transportErr := e.relay.Deliver(ctx, deliverEnv)
	metrics.Delivery.WithLabelValues(fmt.Sprintf("%d", meta.Attempts+1), deliveryResultLabel(results, transportErr)).Observe(time.Since(start).Seconds())
	e.resultCh <- deliveryResult{id: id, results: results, transportErr: transportErr}
}

// narrowRecipients returns a copy of env whose Recipients excludes any
// index already marked delivered, per spec.md §4.7 step 3's "queue
// narrows the envelope on retry".
func narrowRecipients(env *message.Envelope, delivered []bool) *message.Envelope {
	if len(delivered) == 0 {
		return env
	}
	n := env.Clone()
	n.Recipients = n.Recipients[:0]
	for i, r := range env.Recipients {
		if i >= len(delivered) || !delivered[i] {
			n.Recipients = append(n.Recipients, r)
		}
	}
	return n
}

func deliveryResultLabel(results map[string]smtp.Reply, transportErr error) string {
	if transportErr != nil {
		return "error"
	}
	allOK, anyOK := true, false
	for _, r := range results {
		if r.Success() {
			anyOK = true
		} else {
			allOK = false
		}
	}
	switch {
	case allOK:
		return "ok"
	case anyOK:
		return "temperror"
	default:
		return "permerror"
	}
}

// handleResult applies one delivery attempt's outcome to the stored
// message, per spec.md §4.5's "On result" rules: success removes it,
// permanent failure bounces then removes it, transient failure
// reschedules it with backoff (or, if backoff gives up, bounces it too).
func (e *Engine) handleResult(ctx context.Context, h *scheduleHeap, res deliveryResult) {
	env, meta, err := e.store.Get(ctx, res.id)
	if err != nil {
		e.log.Errorx("loading queued message to apply delivery result", err, mlog.Field("id", res.id))
		return
	}

	if res.transportErr != nil {
		e.reschedule(ctx, h, res.id, env, meta, res.transportErr.Error())
		return
	}

	// delivered is index-aligned with env.Recipients (the full, un-narrowed
	// list), since that's what Store.SetRecipientsDelivered and
	// narrowRecipients key off. A recipient already marked delivered from
	// a prior partial attempt stays delivered even though this attempt
	// didn't target it again; a recipient this attempt did target is
	// updated from res.results.
	var failures []dsn.Failure
	delivered := make([]bool, len(env.Recipients))
	allOK, anyOK, anyTransient := true, false, false
	for i, r := range env.Recipients {
		if i < len(meta.Delivered) && meta.Delivered[i] {
			delivered[i] = true
			anyOK = true
			continue
		}
		reply, ok := res.results[r.String()]
		if !ok {
			// Not attempted this round (shouldn't happen outside a
			// transport-wide failure, handled above) and not previously
			// delivered: treat as still pending, like a transient result.
			allOK = false
			anyTransient = true
			continue
		}
		delivered[i] = reply.Success()
		switch {
		case reply.Success():
			anyOK = true
		case reply.Permanent():
			allOK = false
			failures = append(failures, dsn.Failure{Recipient: r, Reply: reply})
		default:
			allOK = false
			anyTransient = true
		}
	}

	switch {
	case allOK:
		e.removeAndCount(ctx, res.id)
	case anyTransient && anyOK:
		// Partial success: narrow the recipient set so retry only targets
		// the still-pending ones, per spec.md §4.7 step 3.
		if err := e.store.SetRecipientsDelivered(ctx, res.id, delivered); err != nil {
			e.log.Errorx("narrowing recipients after partial delivery", err, mlog.Field("id", res.id))
		}
		meta.Delivered = delivered
		e.reschedule(ctx, h, res.id, env, meta, "partial delivery, retrying remaining recipients")
	case anyTransient:
		e.reschedule(ctx, h, res.id, env, meta, "transient delivery failure")
	default:
		if anyOK {
			if err := e.store.SetRecipientsDelivered(ctx, res.id, delivered); err != nil {
				e.log.Errorx("narrowing recipients after partial delivery", err, mlog.Field("id", res.id))
			}
		}
		e.bounceAndRemove(ctx, h, res.id, env, failures)
	}
}

func (e *Engine) reschedule(ctx context.Context, h *scheduleHeap, id string, env *message.Envelope, meta Metadata, lastError string) {
	attempt := meta.Attempts + 1
	d, ok := e.backoff(env, attempt)
	if !ok {
		// Backoff gave up: treat as permanent with whatever the last error
		// was, per spec.md §4.5 "if it returns 'no more', treat as
		// permanent".
		reply := smtp.Replyf(smtp.C554NoValidRcpts, smtp.SeProto5BadCmdOrSeq1, "%s", lastError)
		var failures []dsn.Failure
		for i, r := range env.Recipients {
			if i < len(meta.Delivered) && meta.Delivered[i] {
				continue
			}
			failures = append(failures, dsn.Failure{Recipient: r, Reply: reply})
		}
		e.bounceAndRemove(ctx, h, id, env, failures)
		return
	}
	now := e.now()
	meta.Attempts = attempt
	meta.LastAttempt = now
	meta.LastError = lastError
	meta.NextAttempt = now.Add(d)
	if err := e.store.WriteMetadata(ctx, id, meta); err != nil {
		e.log.Errorx("writing retry metadata", err, mlog.Field("id", id))
		return
	}
	heap.Push(h, &item{id: id, nextAttempt: meta.NextAttempt})
}

func (e *Engine) bounceAndRemove(ctx context.Context, h *scheduleHeap, id string, env *message.Envelope, failures []dsn.Failure) {
	bounce, err := dsn.Compose(env, failures, e.reportingMTA, e.now())
	if err != nil {
		e.log.Errorx("composing bounce", err, mlog.Field("id", id))
	} else if bounce != nil {
		// Enqueue the bounce directly against the heap: Run's goroutine is
		// the one executing this code, so routing through the public
		// Enqueue (which sends on enqueueCh for Run itself to receive)
		// would deadlock.
		ids, enqErr := e.handleEnqueue(ctx, bounce)
		if enqErr != nil {
			e.log.Errorx("enqueueing bounce", enqErr, mlog.Field("id", id))
		} else {
			e.schedule(h, ids, e.now())
		}
	} else {
		// env.Sender was empty: a bounce-of-a-bounce, per spec.md §4.7 "the
		// failure is logged and no further bounce is generated".
		e.log.Info("delivery of bounce message failed permanently, not bouncing again", mlog.Field("id", id))
	}
	e.removeAndCount(ctx, id)
}

func (e *Engine) removeAndCount(ctx context.Context, id string) {
	if err := e.store.Remove(ctx, id); err != nil {
		e.log.Errorx("removing delivered message from store", err, mlog.Field("id", id))
	}
}
