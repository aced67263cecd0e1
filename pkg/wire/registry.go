package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownKind is the reason recorded when an envelope names a kind the
// registry does not know.
var ErrUnknownKind = errors.New("unknown message kind")

// Factory returns a new zero value of one message kind.
type Factory func() Message

// envelope is the on-wire shape of every message.
type envelope struct {
	Kind     string          `json:"kind"`
	ID       string          `json:"id"`
	SentAtMs int64           `json:"sent_at_ms"`
	Payload  json.RawMessage `json:"payload"`
}

// Registry maps kinds to constructors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default has every message kind of this package registered.
var Default = NewRegistry()

func init() {
	for _, f := range []Factory{
		func() Message { return &StartEvolution{} },
		func() Message { return &StopEvolution{} },
		func() Message { return &Reload{} },
		func() Message { return &Shutdown{} },
		func() Message { return &NodeReady{} },
		func() Message { return &MasterUp{} },
		func() Message { return &MasterDown{} },
		func() Message { return &MasterUpdate{} },
		func() Message { return &MasterResult{} },
		func() Message { return &MasterRequest{} },
		func() Message { return &TrainRequest{} },
		func() Message { return &TrainNotification{} },
	} {
		Default.Register(f)
	}
}

// Register adds a kind. Registering the same kind twice, or the Unknown
// sentinel, is a programming error and panics.
func (r *Registry) Register(f Factory) {
	kind := f().Kind()
	if kind == "" || kind == KindUnknown {
		panic(fmt.Sprintf("wire: cannot register kind %q", kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		panic(fmt.Sprintf("wire: kind %q registered twice", kind))
	}
	r.factories[kind] = f
}

// New returns a zero message of the given kind.
func (r *Registry) New(kind string) (Message, bool) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Encode serialises msg into an envelope. The message itself is not modified:
// a missing ID or timestamp is filled in on the envelope only.
func (r *Registry) Encode(msg Message) ([]byte, error) {
	if isNil(msg) {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	kind := msg.Kind()
	if kind == KindUnknown {
		return nil, fmt.Errorf("cannot encode Unknown message")
	}
	if _, ok := r.New(kind); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", kind, err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}

	h := msg.Meta()
	env := envelope{Kind: kind, ID: h.ID, SentAtMs: h.SentAtMs, Payload: payload}
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.SentAtMs == 0 {
		env.SentAtMs = time.Now().UnixMilli()
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope. It never fails: anything it cannot turn into a
// registered, valid message comes back as *Unknown.
func (r *Registry) Decode(raw []byte) Message {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return unknown(raw, fmt.Sprintf("malformed envelope: %v", err))
	}
	if env.Kind == "" {
		return unknown(raw, "envelope has no kind")
	}

	msg, ok := r.New(env.Kind)
	if !ok {
		return unknown(raw, fmt.Sprintf("%v: %s", ErrUnknownKind, env.Kind))
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		env.Payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return unknown(raw, fmt.Sprintf("malformed %s payload: %v", env.Kind, err))
	}
	if err := msg.Validate(); err != nil {
		return unknown(raw, fmt.Sprintf("invalid %s: %v", env.Kind, err))
	}

	h := msg.Meta()
	h.ID = env.ID
	h.SentAtMs = env.SentAtMs
	return msg
}

// Encode serialises msg with the Default registry.
func Encode(msg Message) ([]byte, error) {
	return Default.Encode(msg)
}

// Decode parses raw with the Default registry.
func Decode(raw []byte) Message {
	return Default.Decode(raw)
}

func unknown(raw []byte, reason string) *Unknown {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &Unknown{Raw: cp, Reason: reason}
}

func isNil(msg Message) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
