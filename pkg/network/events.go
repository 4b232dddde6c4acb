package network

import (
	"sync"
	"time"

	"github.com/vango-dev/mtproto/pkg/tl"
)

// EventKind identifies an Event.
type EventKind int

const (
	// EventKeyChange reports a new (or, with a nil Key, a revoked)
	// permanent auth key.
	EventKeyChange EventKind = iota + 1
	// EventTmpKeyChange reports a new bound temporary key for Index, or a
	// nil Key when the server dropped it.
	EventTmpKeyChange
	// EventAuthBegin is emitted by a main connection before it negotiates
	// a key.
	EventAuthBegin
	// EventRequestAuth asks the main connection to negotiate a key.
	EventRequestAuth
	// EventUsable is emitted after the first decrypted inbound frame.
	EventUsable
	// EventUpdate carries a server message that answers no request.
	EventUpdate
	// EventError reports a failure that has no caller to reject.
	EventError
)

var eventKindNames = map[EventKind]string{
	EventKeyChange:    "key_change",
	EventTmpKeyChange: "tmp_key_change",
	EventAuthBegin:    "auth_begin",
	EventRequestAuth:  "request_auth",
	EventUsable:       "usable",
	EventUpdate:       "update",
	EventError:        "error",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is delivered to subscribers of its Kind.
type Event struct {
	Kind EventKind
	// Index is the connection index inside its pool.
	Index int

	Key       []byte
	ExpiresAt time.Time

	Update *tl.Object
	// Raw holds the body of an update the codec tables could not decode.
	Raw []byte

	Err  error
	Conn *Connection
}

// Handler receives events.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Emitter is a synchronous event bus. Handlers run on the emitting
// goroutine in subscription order and must not block.
type Emitter struct {
	mu       sync.RWMutex
	next     int
	handlers map[EventKind][]subscription
}

// Subscribe registers fn for kind and returns a function that removes it.
func (e *Emitter) Subscribe(kind EventKind, fn Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[EventKind][]subscription)
	}
	e.next++
	id := e.next
	e.handlers[kind] = append(e.handlers[kind], subscription{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			subs := e.handlers[kind]
			for i, s := range subs {
				if s.id == id {
					e.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers ev to the handlers subscribed to its kind.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	subs := e.handlers[ev.Kind]
	e.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// Forward subscribes to every kind on src and re-emits on e through
// rewrite. It returns a function that removes all subscriptions.
func (e *Emitter) Forward(src *Emitter, rewrite func(Event) Event) (unsubscribe func()) {
	var stops []func()
	for kind := range eventKindNames {
		stops = append(stops, src.Subscribe(kind, func(ev Event) {
			if rewrite != nil {
				ev = rewrite(ev)
			}
			e.Emit(ev)
		}))
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}
