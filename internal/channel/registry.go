package channel

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/ipmimon/internal/errors"
)

// Value is the latest reading of one channel.
type Value struct {
	ID        ID
	Value     any
	Timestamp time.Time
	Valid     bool
}

// Int returns the value of an int channel.
func (v Value) Int() (int, bool) {
	i, ok := v.Value.(int)
	return i, ok
}

// Int64 returns the value of a long channel.
func (v Value) Int64() (int64, bool) {
	i, ok := v.Value.(int64)
	return i, ok
}

// Status returns the value of a status channel.
func (v Value) Status() (Status, bool) {
	s, ok := v.Value.(Status)
	return s, ok
}

// Bool returns the value of a bool channel.
func (v Value) Bool() (bool, bool) {
	b, ok := v.Value.(bool)
	return b, ok
}

func (v Value) String() string {
	if v.Value == nil {
		return "-"
	}

	return fmt.Sprintf("%v", v.Value)
}

// Registry is the latest-value store for the fixed channel set.
// Every slot is an independent atomic pointer, so readers never block.
type Registry struct {
	slots [count]atomic.Pointer[Value]
	now   func() time.Time
}

// NewRegistry returns a registry with every channel absent.
func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Get returns the latest value of id, or false if the channel was never set.
func (r *Registry) Get(id ID) (Value, bool) {
	if !id.Valid() {
		return Value{}, false
	}

	v := r.slots[id].Load()
	if v == nil {
		return Value{}, false
	}

	return *v, true
}

// Set publishes a new value for id after checking it against the channel kind.
func (r *Registry) Set(id ID, value any) error {
	errFactory := errors.New()

	if !id.Valid() {
		return errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("unknown channel %d", int(id)))
	}
	if !kindMatches(id.Doc().Kind, value) {
		return errFactory.WithData(errors.ErrInvalidArgument, fmt.Sprintf("channel %s does not accept %T", id, value))
	}

	r.slots[id].Store(&Value{ID: id, Value: value, Timestamp: r.now(), Valid: true})

	return nil
}

// Snapshot returns all present values in channel order.
func (r *Registry) Snapshot() []Value {
	values := make([]Value, 0, count)
	for id := ID(0); id < count; id++ {
		if v := r.slots[id].Load(); v != nil {
			values = append(values, *v)
		}
	}

	return values
}

// Clear drops every value, returning the registry to its initial state.
func (r *Registry) Clear() {
	for id := ID(0); id < count; id++ {
		r.slots[id].Store(nil)
	}
}

// String renders present values as NAME=value pairs.
func (r *Registry) String() string {
	var sb strings.Builder
	for i, v := range r.Snapshot() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%s=%s", v.ID, v)
	}

	return sb.String()
}

func kindMatches(kind Kind, value any) bool {
	switch kind {
	case KindInt:
		_, ok := value.(int)
		return ok
	case KindLong:
		_, ok := value.(int64)
		return ok
	case KindStatus:
		_, ok := value.(Status)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	}

	return false
}
