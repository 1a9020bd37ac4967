// Package eventbus is the in-process pub/sub described in spec §4.2: a
// bounded, non-blocking queue per subscriber, plus three replayable ring
// buffers (avrcp_event, mpris_event, log_entry) so a newly attached
// subscriber can catch up before live delivery begins.
//
// Grounded on two sources: ampli-pi4/internal/events/bus.go for the
// bounded-channel-with-drop shape, and the teacher's vendored
// api/eventbus/{emitter.go,events.go} for the Publish/Subscribe
// interface vocabulary and for leaning on github.com/cskr/pubsub/v2 as
// the underlying fan-out primitive instead of a hand-rolled
// map[topic][]chan. cskr/pubsub's own TryPub already drops silently on a
// full channel but exposes no count; each Subscription relays from its
// private pubsub channel into a second, inspectable bounded channel so
// spec testable property 7 ("dropped_count increases by exactly one")
// can be honored.
package eventbus

import (
	"sync"

	"github.com/cskr/pubsub/v2"
	"github.com/rs/xid"
	"go.uber.org/atomic"
)

// Topic identifies an EventBus subject (spec §4.2 table).
type Topic string

const (
	TopicDevicesChanged        Topic = "devices_changed"
	TopicScanStarted           Topic = "scan_started"
	TopicScanFinished          Topic = "scan_finished"
	TopicStatus                Topic = "status"
	TopicAvrcpEvent            Topic = "avrcp_event"
	TopicMprisEvent            Topic = "mpris_event"
	TopicLogEntry              Topic = "log_entry"
	TopicAdapterSwitchRequired Topic = "adapter_switch_required"

	// TopicStoreChanged is emitted by internal/store after every
	// successful fsync+rename (spec §4.1), distinct from the
	// externally-documented table in spec §4.2.
	TopicStoreChanged Topic = "store_changed"
)

// subscriberQueueCapacity is the bounded per-subscriber queue depth from
// spec §4.2.
const subscriberQueueCapacity = 64

// pubsubCapacity is the buffer pubsub.PubSub gives each internal
// subscriber channel before its own TryPub starts dropping; kept larger
// than subscriberQueueCapacity so the relay goroutine (which drains it
// into the inspectable bounded channel) is the one observed dropping,
// not pubsub's internal fan-out.
const pubsubCapacity = 256

// ringCapacity holds the sizes of the three replay rings (spec §4.2).
var ringCapacity = map[Topic]int{
	TopicAvrcpEvent: 50,
	TopicMprisEvent: 50,
	TopicLogEntry:   500,
}

// Event is a single published message.
type Event struct {
	Topic Topic
	Data  any
}

// Subscription is a live attachment to the bus. C delivers events in
// publish order; a full queue drops the oldest pending event rather
// than blocking the publisher (spec §4.2, testable property 7).
type Subscription struct {
	ID xid.ID
	C  <-chan Event

	bus    *Bus
	raw    chan Event
	ch     chan Event
	topics []Topic

	mu     sync.Mutex
	closed bool

	dropped atomic.Uint64
}

// DroppedCount returns how many events have been dropped for this
// subscription because its queue was full at publish time.
func (s *Subscription) DroppedCount() uint64 { return s.dropped.Load() }

// Unsubscribe detaches the subscription and releases its queue.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.bus.pubsub.Unsub(s.raw, s.topics...)
	close(s.ch)
}

// relay drains the internal pubsub channel into the inspectable,
// dropped-count-tracked subscriber channel until raw is closed.
func (s *Subscription) relay() {
	for ev := range s.raw {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		// ch is full: drop the oldest queued event to make room, per
		// spec §4.2 ("the oldest entry is dropped").
		select {
		case <-s.ch:
			s.dropped.Inc()
		default:
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Inc()
		}
	}
}

// Bus is the process-wide event hub.
type Bus struct {
	pubsub *pubsub.PubSub[Topic, Event]

	ringsMu sync.Mutex
	rings   map[Topic][]Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		pubsub: pubsub.New[Topic, Event](pubsubCapacity),
		rings:  make(map[Topic][]Event),
	}
}

// Publish fans out ev to every subscription registered for topic, and
// appends to the topic's replay ring if it has one. Never blocks a
// caller beyond pubsub's own non-blocking TryPub (spec testable
// property 7, "publisher latency bounded by O(1)").
func (b *Bus) Publish(topic Topic, data any) {
	ev := Event{Topic: topic, Data: data}

	if cap, ok := ringCapacity[topic]; ok {
		b.ringsMu.Lock()
		r := append(b.rings[topic], ev)
		if len(r) > cap {
			r = r[len(r)-cap:]
		}
		b.rings[topic] = r
		b.ringsMu.Unlock()
	}

	b.pubsub.TryPub(ev, topic)
}

// Subscribe attaches a new subscription to the given topics.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{
		ID:     xid.New(),
		bus:    b,
		raw:    b.pubsub.Sub(topics...),
		ch:     make(chan Event, subscriberQueueCapacity),
		topics: topics,
	}
	s.C = s.ch
	go s.relay()
	return s
}

// Replay returns a copy of the current contents of topic's ring buffer,
// oldest first, for a newly attached subscriber to consume before live
// delivery (spec §4.2).
func (b *Bus) Replay(topic Topic) []Event {
	b.ringsMu.Lock()
	defer b.ringsMu.Unlock()
	r := b.rings[topic]
	out := make([]Event, len(r))
	copy(out, r)
	return out
}
