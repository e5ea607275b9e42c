// Package eventbus implements the EventBus described in spec §4.2: an
// append-only journal with a single monotonic sequence allocator, dotted-glob
// pattern subscriptions, per-subscription backpressure, replay, and
// cross-node fan-out over Pulse streams.
//
// It is grounded on the teacher's registry.StreamManager (map of named
// streams behind an RWMutex, lazy creation, deterministic naming) for the
// cross-node transport and on runtime/agent/runlog for the append-plus-cursor
// journal shape.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentctrl/controlplane/config"
	clientspulse "github.com/agentctrl/controlplane/features/stream/pulse/clients/pulse"
)

const crossNodeStreamName = "controlplane:eventbus"

// SubscribeOptions configures a subscription (spec §4.2 subscribe contract).
type SubscribeOptions struct {
	// Patterns are dotted globs; "*" matches one segment, "**" matches the
	// remainder. Duplicates are coalesced.
	Patterns []string
	// Handler is invoked once per matching event, in strictly increasing
	// sequence order for this subscription. A returned error does not stop
	// delivery of subsequent events; it is only observable via Metrics hooks
	// a caller wires into Handler itself.
	Handler func(ctx context.Context, e *Event) error
	// Persistent subscriptions survive process restart by resuming from
	// their last acknowledged sequence, via the Bus's CursorStore.
	Persistent bool
	// SubscriptionID names a persistent subscription's cursor record. Required
	// when Persistent is true.
	SubscriptionID string
	// Filter, if set, further restricts delivery beyond pattern matching.
	Filter func(e *Event) bool
	// BufferSize bounds the subscription's in-memory delivery buffer. Zero
	// uses the Bus default.
	BufferSize int
	// Backpressure selects the full-buffer policy. Empty uses the Bus
	// default.
	Backpressure config.BackpressurePolicy
	// BlockTimeout bounds how long a `block` policy subscription may stay
	// full before being declared stalled. Zero uses the Bus default.
	BlockTimeout time.Duration
}

// Subscription is a live registration returned by Bus.Subscribe.
type Subscription struct {
	id       string
	patterns []string
	filter   func(e *Event) bool
	policy   config.BackpressurePolicy
	timeout  time.Duration

	buf    chan *Event
	done   chan struct{}
	closed sync.Once

	bus *Bus
}

// Close unregisters the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.bus.unregister(s.id)
		close(s.done)
	})
}

// ID returns the subscription's opaque identifier.
func (s *Subscription) ID() string { return s.id }

// ReplayQuery selects a slice of journaled history (spec §4.2 replay).
// Exactly one of FromSequence or FromTimestamp should be set; FromSequence
// takes precedence if both are non-zero.
type ReplayQuery struct {
	FromSequence  uint64
	FromTimestamp time.Time
	Filter        func(e *Event) bool
	Limit         int
}

// Bus is the EventBus implementation.
type Bus struct {
	journal Journal
	cursors CursorStore
	pulse   clientspulse.Client

	defaultBufferSize  int
	defaultPolicy      config.BackpressurePolicy
	defaultBlockTimeout time.Duration

	mu   sync.RWMutex
	subs map[string]*Subscription
	next uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithPulseClient enables cross-node fan-out: every locally published event
// is also mirrored onto a shared Pulse stream, and a background subscriber
// replays events published by other nodes into this Bus's local dispatch
// path.
func WithPulseClient(c clientspulse.Client) Option {
	return func(b *Bus) { b.pulse = c }
}

// WithCursorStore supplies durable cursor tracking for persistent
// subscriptions. Without one, persistent subscriptions behave like
// non-persistent ones (cursor is lost on restart).
func WithCursorStore(cs CursorStore) Option {
	return func(b *Bus) { b.cursors = cs }
}

// WithDefaults sets the Bus-wide subscription defaults applied when
// SubscribeOptions leaves the corresponding field zero.
func WithDefaults(cfg config.Config) Option {
	return func(b *Bus) {
		if cfg.EventBusBufferSize > 0 {
			b.defaultBufferSize = cfg.EventBusBufferSize
		}
		if cfg.EventBusBackpressure != "" {
			b.defaultPolicy = cfg.EventBusBackpressure
		}
		if cfg.EventBusStalledTimeout > 0 {
			b.defaultBlockTimeout = cfg.EventBusStalledTimeout
		}
	}
}

// New constructs a Bus over journal. If journal is nil, an in-memory journal
// is used.
func New(journal Journal, opts ...Option) *Bus {
	if journal == nil {
		journal = NewMemJournal()
	}
	b := &Bus{
		journal:             journal,
		cursors:             NewMemCursorStore(),
		defaultBufferSize:   1024,
		defaultPolicy:       config.BackpressureDropOldest,
		defaultBlockTimeout: 30 * time.Second,
		subs:                make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	if b.pulse != nil {
		b.startCrossNodeSubscriber()
	}
	return b
}

// Publish journals event and delivers it to every matching, currently
// registered subscription (spec §4.2 publish).
func (b *Bus) Publish(ctx context.Context, topic string, payload any) (*Event, error) {
	events, err := b.PublishBatch(ctx, publishRequest{Topic: topic, Payload: payload})
	if err != nil {
		return nil, err
	}
	return events[0], nil
}

type publishRequest struct {
	Topic   string
	Payload any
}

// PublishBatch journals all requests under a single sequence allocation
// (spec §4.2 publishBatch) and delivers each to its matching subscriptions.
func (b *Bus) PublishBatch(ctx context.Context, requests ...publishRequest) ([]*Event, error) {
	events := make([]*Event, len(requests))
	for i, r := range requests {
		if r.Topic == "" {
			return nil, errEmptyTopic()
		}
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("eventbus: marshal payload for %q: %w", r.Topic, err)
		}
		events[i] = &Event{Topic: r.Topic, Payload: raw}
	}
	if err := b.journal.Append(ctx, events...); err != nil {
		return nil, fmt.Errorf("eventbus: journal append: %w", err)
	}
	for _, e := range events {
		b.deliverLocal(e)
		b.mirrorCrossNode(ctx, e)
	}
	return events, nil
}

// Subscribe registers opts and returns a live Subscription. A dispatch
// goroutine drains the subscription's buffer and invokes Handler serially.
func (b *Bus) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("eventbus: handler is required")
	}
	if opts.Persistent && opts.SubscriptionID == "" {
		return nil, fmt.Errorf("eventbus: persistent subscription requires SubscriptionID")
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = b.defaultBufferSize
	}
	policy := opts.Backpressure
	if policy == "" {
		policy = b.defaultPolicy
	}
	timeout := opts.BlockTimeout
	if timeout <= 0 {
		timeout = b.defaultBlockTimeout
	}

	id := opts.SubscriptionID
	if id == "" {
		id = newSubscriptionID()
	}

	sub := &Subscription{
		id:       id,
		patterns: dedupePatterns(opts.Patterns),
		filter:   opts.Filter,
		policy:   policy,
		timeout:  timeout,
		buf:      make(chan *Event, bufSize),
		done:     make(chan struct{}),
		bus:      b,
	}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.dispatch(ctx, opts.Handler)

	if opts.Persistent {
		from, _ := b.cursors.Load(ctx, id)
		b.catchUp(ctx, sub, from)
	}

	return sub, nil
}

// Replay returns past events matching query (spec §4.2 replay). It reads the
// whole matching backlog from the journal before returning; the returned
// channel is buffered with those events and already closed, so it is finite
// and cannot be restarted.
func (b *Bus) Replay(ctx context.Context, query ReplayQuery) (<-chan *Event, error) {
	var events []*Event
	var err error
	if query.FromSequence > 0 {
		events, err = b.journal.List(ctx, query.FromSequence, query.Limit)
	} else {
		events, err = b.journal.ListSince(ctx, query.FromTimestamp, query.Limit)
	}
	if err != nil {
		return nil, err
	}

	out := make(chan *Event, len(events))
	for _, e := range events {
		if query.Filter != nil && !query.Filter(e) {
			continue
		}
		out <- e
	}
	close(out)
	return out, nil
}

func (b *Bus) unregister(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Bus) deliverLocal(e *Event) {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if matchesAny(s.patterns, e.Topic) && (s.filter == nil || s.filter(e)) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.offer(e)
	}
}

func (b *Bus) catchUp(ctx context.Context, sub *Subscription, fromSequence uint64) {
	events, err := b.journal.List(ctx, fromSequence, 0)
	if err != nil {
		return
	}
	for _, e := range events {
		if matchesAny(sub.patterns, e.Topic) && (sub.filter == nil || sub.filter(e)) {
			sub.offer(e)
		}
	}
}

// offer delivers e to the subscription's buffer according to its
// backpressure policy (spec §4.2 Backpressure). `block` policy subscriptions
// that stay full past their timeout are declared stalled and unregistered.
func (s *Subscription) offer(e *Event) {
	select {
	case s.buf <- e:
		return
	default:
	}

	switch s.policy {
	case config.BackpressureDropNewest:
		return
	case config.BackpressureBlock:
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		select {
		case s.buf <- e:
		case <-timer.C:
			s.bus.declareStalled(s)
		case <-s.done:
		}
	default: // drop-oldest
		select {
		case <-s.buf:
		default:
		}
		select {
		case s.buf <- e:
		default:
		}
	}
}

func (b *Bus) declareStalled(s *Subscription) {
	s.Close()
	_, _ = b.Publish(context.Background(), "eventbus.subscription.stalled", map[string]string{"subscriptionId": s.id})
}

func (s *Subscription) dispatch(ctx context.Context, handler func(context.Context, *Event) error) {
	for {
		select {
		case e := <-s.buf:
			_ = handler(ctx, e)
			if s.bus.cursors != nil {
				_ = s.bus.cursors.Save(ctx, s.id, e.Sequence)
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) mirrorCrossNode(ctx context.Context, e *Event) {
	if b.pulse == nil {
		return
	}
	stream, err := b.pulse.Stream(crossNodeStreamName)
	if err != nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return
	}
	_, _ = stream.Add(ctx, e.Topic, payload)
}

func (b *Bus) startCrossNodeSubscriber() {
	stream, err := b.pulse.Stream(crossNodeStreamName)
	if err != nil {
		return
	}
	sink, err := stream.NewSink(context.Background(), "eventbus-local")
	if err != nil {
		return
	}
	go func() {
		for ev := range sink.Subscribe() {
			var e Event
			if err := json.Unmarshal(ev.Payload, &e); err != nil {
				continue
			}
			b.deliverLocal(&e)
			_ = sink.Ack(context.Background(), ev)
		}
	}()
}

var idCounter uint64
var idMu sync.Mutex

func newSubscriptionID() string {
	idMu.Lock()
	defer idMu.Unlock()
	idCounter++
	return fmt.Sprintf("sub-%d-%d", time.Now().UnixNano(), idCounter)
}
