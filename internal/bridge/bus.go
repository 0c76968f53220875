package bridge

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/vdobridge/vdobridge/pkg/protocol"
)

// busEvent is one protocol envelope published on the session's internal bus.
type busEvent struct {
	cursor     uint64
	kind       string
	transferID string
	fromUUID   string
	env        protocol.Envelope
}

// protoBus lets file-transfer senders await matching ACK/NACK envelopes. A
// waiter captures the current cursor before sending and resolves on the first
// later event satisfying its predicate, so a fast reply arriving before the
// waiter subscribes is never lost. Matching events resolve in FIFO of
// arrival.
type protoBus struct {
	mu     sync.Mutex
	events []busEvent
	next   uint64
	wake   chan struct{}
	max    int
}

func newProtoBus() *protoBus {
	return &protoBus{
		next: 1,
		wake: make(chan struct{}),
		max:  512,
	}
}

// publish records an inbound protocol envelope and wakes waiters.
func (b *protoBus) publish(env protocol.Envelope, fromUUID string) {
	var ref struct {
		TransferID string `json:"transfer_id"`
	}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &ref)
	}

	b.mu.Lock()
	ev := busEvent{
		cursor:     b.next,
		kind:       env.Kind,
		transferID: ref.TransferID,
		fromUUID:   fromUUID,
		env:        env,
	}
	b.next++
	b.events = append(b.events, ev)
	if over := len(b.events) - b.max; over > 0 {
		b.events = append(b.events[:0], b.events[over:]...)
	}
	wake := b.wake
	b.wake = make(chan struct{})
	b.mu.Unlock()
	close(wake)
}

// cursor returns the cursor a waiter must capture before sending.
func (b *protoBus) cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next - 1
}

// wait blocks until an event with cursor > after matches, or the timeout
// elapses. The returned event's cursor becomes the next wait's "after".
func (b *protoBus) wait(after uint64, timeout time.Duration, match func(busEvent) bool) (busEvent, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		for _, ev := range b.events {
			if ev.cursor > after && match(ev) {
				b.mu.Unlock()
				return ev, true
			}
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-deadline.C:
			return busEvent{}, false
		}
	}
}

// matchTransfer builds a predicate for envelopes of the given kinds that
// reference the given transfer id.
func matchTransfer(transferID string, kinds ...string) func(busEvent) bool {
	return func(ev busEvent) bool {
		if ev.transferID != transferID {
			return false
		}
		for _, k := range kinds {
			if ev.kind == k {
				return true
			}
		}
		return false
	}
}
