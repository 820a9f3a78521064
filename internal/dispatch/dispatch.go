// Package dispatch fans annotated frames out to display consumers with
// latest-frame-wins delivery.
//
// Each subscriber owns a single-slot mailbox: Publish overwrites the
// slot and never blocks, so a slow consumer only costs itself dropped
// frames. Consumers block on Next and always receive the newest frame
// published since their last read.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// ErrClosed reports delivery after the dispatcher or subscriber shut
// down.
var ErrClosed = errors.New("dispatch: closed")

// Dispatcher fans out to named subscribers. The zero value is not
// usable; call New.
type Dispatcher struct {
	mu     sync.Mutex
	subs   map[string]*Subscriber
	closed bool
}

func New() *Dispatcher {
	return &Dispatcher{subs: make(map[string]*Subscriber)}
}

// Subscribe registers a named consumer. Names are unique per
// dispatcher.
func (d *Dispatcher) Subscribe(name string) (*Subscriber, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, fmt.Errorf("dispatch: subscribe %q: %w", name, ErrClosed)
	}
	if _, dup := d.subs[name]; dup {
		return nil, fmt.Errorf("dispatch: subscriber %q already registered", name)
	}
	s := &Subscriber{name: name, d: d}
	s.cond = sync.NewCond(&s.mu)
	d.subs[name] = s
	return s, nil
}

// Publish overwrites every subscriber slot with the frame. It never
// blocks on consumers; a slot replaced before it was read counts as a
// drop for that subscriber. Publishing on a closed dispatcher is a
// no-op.
func (d *Dispatcher) Publish(af media.AnnotatedFrame) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		s.deliver(af)
	}
}

// Close shuts down every subscriber; blocked Next calls return
// ErrClosed. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := make([]*Subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = nil
	d.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// SubscriberStats counts one consumer's deliveries and overwrites.
type SubscriberStats struct {
	Name      string
	Delivered uint64
	Dropped   uint64
}

// Stats snapshots all subscribers, sorted by name.
func (d *Dispatcher) Stats() []SubscriberStats {
	d.mu.Lock()
	subs := make([]*Subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	out := make([]SubscriberStats, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Dispatcher) remove(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs != nil {
		delete(d.subs, name)
	}
}

// Subscriber is one consumer's mailbox.
type Subscriber struct {
	name string
	d    *Dispatcher

	mu     sync.Mutex
	cond   *sync.Cond
	frame  *media.AnnotatedFrame
	closed bool

	delivered uint64
	dropped   uint64
}

func (s *Subscriber) Name() string { return s.name }

func (s *Subscriber) deliver(af media.AnnotatedFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.frame != nil {
		s.dropped++
	}
	s.frame = &af
	s.cond.Broadcast()
}

// Next blocks until a frame newer than the last read is available, the
// context ends, or the subscription closes.
func (s *Subscriber) Next(ctx context.Context) (media.AnnotatedFrame, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.frame == nil && !s.closed && ctx.Err() == nil {
		s.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return media.AnnotatedFrame{}, err
	}
	if s.closed {
		return media.AnnotatedFrame{}, ErrClosed
	}

	af := *s.frame
	s.frame = nil
	s.delivered++
	return af, nil
}

// TryNext consumes the slot without blocking.
func (s *Subscriber) TryNext() (media.AnnotatedFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil || s.closed {
		return media.AnnotatedFrame{}, false
	}
	af := *s.frame
	s.frame = nil
	s.delivered++
	return af, true
}

// Stats snapshots this subscriber's counters.
func (s *Subscriber) Stats() SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriberStats{Name: s.name, Delivered: s.delivered, Dropped: s.dropped}
}

// Unsubscribe detaches from the dispatcher and wakes any blocked Next
// with ErrClosed. Idempotent.
func (s *Subscriber) Unsubscribe() {
	s.d.remove(s.name)
	s.close()
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.frame = nil
	s.cond.Broadcast()
}
