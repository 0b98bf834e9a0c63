package event

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Iron-Ham/oxyrun/internal/errors"
	"github.com/Iron-Ham/oxyrun/internal/logging"
)

// Kind tags a recorded event.
type Kind string

const (
	KindRequest    Kind = "request"
	KindSubrequest Kind = "subrequest"
)

// Name returns the SSE event name for the kind.
func (k Kind) Name() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindSubrequest:
		return "Sub request"
	default:
		return string(k)
	}
}

// RequestEvent is one entry of the request history.
type RequestEvent struct {
	Seq        uint64
	Kind       Kind
	Data       json.RawMessage
	RecordedAt time.Time
}

// Handler receives events. Returning an error marks the subscriber's stream
// as broken and deregisters it. Handlers run with the bus lock held and must
// not block or call back into the Bus.
type Handler func(RequestEvent) error

// Bus records request events into a bounded history and fans them out to
// subscribers synchronously. It is safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	ring   *Ring[RequestEvent]
	seq    uint64
	nextID uint64
	subs   map[uint64]Handler
	order  []uint64
	logger *logging.Logger
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithCapacity sets the history capacity (DefaultCapacity otherwise).
func WithCapacity(n int) BusOption {
	return func(b *Bus) {
		b.ring = NewRing[RequestEvent](n)
	}
}

// WithLogger sets the logger used to report dropped subscribers.
func WithLogger(l *logging.Logger) BusOption {
	return func(b *Bus) {
		b.logger = l
	}
}

// NewBus creates a Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		ring:   NewRing[RequestEvent](DefaultCapacity),
		subs:   make(map[uint64]Handler),
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.WithComponent("request-events")
	return b
}

// Record appends an event to the history, evicting the oldest one on
// overflow, then delivers it to every subscriber in registration order.
func (b *Bus) Record(kind Kind, data json.RawMessage) RequestEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := RequestEvent{
		Seq:        b.seq,
		Kind:       kind,
		Data:       data,
		RecordedAt: time.Now(),
	}
	b.ring.Push(ev)

	for _, id := range append([]uint64(nil), b.order...) {
		handler, ok := b.subs[id]
		if !ok {
			continue
		}
		if err := b.deliver(id, handler, ev); err != nil {
			b.drop(id, err)
		}
	}
	return ev
}

// Subscribe replays the current history to h, oldest first, and then
// registers it for live events. No event recorded concurrently is missed
// or delivered twice. The returned function unsubscribes; calling it more
// than once is safe.
//
// If h fails during replay it is never registered.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	for _, ev := range b.ring.Items() {
		if err := b.deliver(id, h, ev); err != nil {
			b.logger.Debug("subscriber failed during replay", "error", err.Error())
			return func() {}
		}
	}

	b.subs[id] = h
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.remove(id)
		})
	}
}

// Clear empties the history. Active subscriptions are untouched.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Reset()
}

// History returns the buffered events, oldest first.
func (b *Bus) History() []RequestEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Items()
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// deliver calls h, converting a panic or an error into a StreamSubscriberError.
// A subscriber that went away (ErrSubscriberGone) is routine; any other
// failure is a broken handler.
func (b *Bus) deliver(id uint64, h Handler, ev RequestEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewStreamSubscriberError(id, fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())).
				WithSeverity(errors.SeverityError)
		}
	}()
	if herr := h(ev); herr != nil {
		subErr := errors.NewStreamSubscriberError(id, herr)
		if !errors.Is(herr, errors.ErrSubscriberGone) {
			subErr.WithSeverity(errors.SeverityWarning)
		}
		return subErr
	}
	return nil
}

func (b *Bus) drop(id uint64, err error) {
	b.remove(id)
	b.logger.Report("subscriber deregistered", err, "subscriber", id)
}

// remove must be called with mu held.
func (b *Bus) remove(id uint64) {
	if _, ok := b.subs[id]; !ok {
		return
	}
	delete(b.subs, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
