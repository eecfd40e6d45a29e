// Package matcher implements the Matcher Table (spec.md §4.3): a
// type-indexed multimap of pending correlation requests, consulted on
// every inbound message and scoped to the caller's Expect/cancel pair.
package matcher

import (
	"context"
	"errors"
	"sync"

	"github.com/bluenviron/gomavlib/v3/pkg/message"

	"github.com/flockwave-go/mavlink-core/internal/fields"
)

// ErrCancelled is returned by Slot.Wait when the caller's scope exited
// (normally or abnormally) before a matching message arrived, or when the
// network shut down while the slot was still pending.
var ErrCancelled = errors.New("matcher: cancelled")

// Predicate is a tagged variant over the three ways spec.md §4.3 allows a
// caller to describe which message it is waiting for.
type Predicate struct {
	// Fields, when non-nil, requires every named field to equal the
	// given value (spec.md §4.3's "field mapping" case).
	Fields map[string]interface{}

	// Func, when non-nil, is called with the candidate message and
	// decides the match itself (the "callable" case).
	Func func(message.Message) bool
}

// Any is the wildcard predicate: it matches every message of the
// expected type, corresponding to params == None in spec.md §4.3.
var Any = Predicate{}

// Matches evaluates the predicate against a candidate message.
func (p Predicate) Matches(msg message.Message) bool {
	switch {
	case p.Func != nil:
		return p.Func(msg)
	case p.Fields != nil:
		for name, expected := range p.Fields {
			if !fields.Equals(msg, name, expected) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

type entry struct {
	sourceSystem *uint8
	predicate    Predicate
	resultCh     chan message.Message
	once         sync.Once
}

func (e *entry) matches(srcSystem uint8, msg message.Message) bool {
	if e.sourceSystem != nil && *e.sourceSystem != srcSystem {
		return false
	}
	return e.predicate.Matches(msg)
}

// fulfill delivers msg to the slot exactly once; later calls are no-ops,
// satisfying the single-fulfillment invariant (spec.md §8, law 2). It
// reports whether this call was the one that performed the delivery.
func (e *entry) fulfill(msg message.Message) bool {
	delivered := false
	e.once.Do(func() {
		e.resultCh <- msg
		close(e.resultCh)
		delivered = true
	})
	return delivered
}

func (e *entry) cancel() {
	e.once.Do(func() {
		close(e.resultCh)
	})
}

// Slot is a single-shot completion handle returned by Table.Expect.
type Slot struct {
	e *entry
}

// Wait blocks until the slot is fulfilled, cancelled, or ctx is done.
func (s *Slot) Wait(ctx context.Context) (message.Message, error) {
	select {
	case msg, ok := <-s.e.resultCh:
		if !ok {
			return nil, ErrCancelled
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Table is the per-Network matcher multimap, indexed by MAVLink message
// type name.
type Table struct {
	mu      sync.Mutex
	byType  map[string][]*entry
	cancels map[*entry][]func() // scope-removal bookkeeping, keyed by entry

	// OnFulfill, if set, is called once for every slot this table
	// fulfills, letting callers wire in observability without the table
	// depending on a metrics package.
	OnFulfill func()
}

// NewTable creates an empty matcher table.
func NewTable() *Table {
	return &Table{
		byType: make(map[string][]*entry),
	}
}

// Expect installs a matcher for msgType and returns the Slot plus a
// cancel function. The caller MUST call cancel exactly once, typically
// via defer, regardless of whether the slot resolved — entering and
// exiting that scope is what spec.md §4.3 calls "Matcher scope closure".
func (t *Table) Expect(msgType string, predicate Predicate, sourceSystem *uint8) (*Slot, func()) {
	e := &entry{
		sourceSystem: sourceSystem,
		predicate:    predicate,
		resultCh:     make(chan message.Message, 1),
	}

	t.mu.Lock()
	t.byType[msgType] = append(t.byType[msgType], e)
	t.mu.Unlock()

	removed := false
	cancel := func() {
		if removed {
			return
		}
		removed = true

		t.mu.Lock()
		list := t.byType[msgType]
		for i, candidate := range list {
			if candidate == e {
				t.byType[msgType] = append(list[:i], list[i+1:]...)
				break
			}
		}
		t.mu.Unlock()

		e.cancel()
	}

	return &Slot{e: e}, cancel
}

// Resolve is called by the dispatch loop for every inbound message. It
// fulfills every matcher of the message's type whose predicate matches,
// in registration order (spec.md §8, law 3: first-registered matcher
// observes the first matching message because fulfill is a no-op after
// the first successful delivery, and callers race independently).
// Matched entries stay in the table until their own scope exits.
func (t *Table) Resolve(msgType string, srcSystem uint8, msg message.Message) {
	t.mu.Lock()
	list := append([]*entry(nil), t.byType[msgType]...)
	t.mu.Unlock()

	for _, e := range list {
		if e.matches(srcSystem, msg) {
			fulfilled := e.fulfill(msg)
			if fulfilled && t.OnFulfill != nil {
				t.OnFulfill()
			}
		}
	}
}

// CancelAll cancels every surviving matcher in the table, called when the
// owning Network shuts down (spec.md §4.3).
func (t *Table) CancelAll() {
	t.mu.Lock()
	all := make([]*entry, 0)
	for _, list := range t.byType {
		all = append(all, list...)
	}
	t.byType = make(map[string][]*entry)
	t.mu.Unlock()

	for _, e := range all {
		e.cancel()
	}
}
