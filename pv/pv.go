package pv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/DolicaAkelloEgwel/syringeposter/logger"
)

// Sentinel errors for registry operations.
var (
	ErrNotFound = errors.New("pv: no such process variable")
	ErrReadOnly = errors.New("pv: process variable is read-only")
	ErrBadValue = errors.New("pv: value does not match the process variable type")
)

// Severity is the alarm severity attached to a process variable.
type Severity int32

const (
	// NoAlarm means the last update carried a healthy value.
	NoAlarm Severity = iota
	// MinorAlarm flags a value worth attention.
	MinorAlarm
	// MajorAlarm flags an error condition reported by the instrument.
	MajorAlarm
	// InvalidAlarm means the last poll failed and the value is stale.
	InvalidAlarm
)

var severityNames = [...]string{"NO_ALARM", "MINOR", "MAJOR", "INVALID"}

// String returns the control-system style severity name.
func (s Severity) String() string {
	if s < NoAlarm || int(s) >= len(severityNames) {
		return fmt.Sprintf("Severity(%d)", int32(s))
	}
	return severityNames[s]
}

// MarshalJSON encodes the severity as its name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a severity from its name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, candidate := range severityNames {
		if candidate == name {
			*s = Severity(i)
			return nil
		}
	}
	return fmt.Errorf("pv: unknown severity %q", name)
}

// Kind is the value type of a process variable.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindString
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// normalize coerces value to the canonical Go type for kind. JSON numbers
// arrive as float64, so integer PVs accept integral floats.
func normalize(kind Kind, value any) (any, error) {
	switch kind {
	case KindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case KindInt:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == math.Trunc(v) && !math.IsInf(v, 0) {
				return int64(v), nil
			}
		}
	case KindFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case KindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	}

	return nil, fmt.Errorf("%w: want %s, got %T", ErrBadValue, kind, value)
}

// zeroValue returns the kind's initial value.
func zeroValue(kind Kind) any {
	switch kind {
	case KindBool:
		return false
	case KindInt:
		return int64(0)
	case KindFloat:
		return float64(0)
	default:
		return ""
	}
}

// Update is a point-in-time snapshot of a process variable.
type Update struct {
	Name     string    `json:"name"`
	Value    any       `json:"value"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
	Writable bool      `json:"writable,omitempty"`
}

// Handler is invoked when a value is written to a writable process
// variable, after the value has been stored.
type Handler func(ctx context.Context, value any) error

// PV is one named process variable.
type PV struct {
	name    string
	kind    Kind
	reg     *Registry
	handler Handler

	mu       sync.RWMutex
	value    any
	severity Severity
	updated  time.Time
}

// Name returns the process variable's name.
func (p *PV) Name() string { return p.name }

// Kind returns the process variable's value type.
func (p *PV) Kind() Kind { return p.kind }

// Writable reports whether values can be written through Registry.Apply.
func (p *PV) Writable() bool { return p.handler != nil }

// Snapshot returns the current value, severity and update time.
func (p *PV) Snapshot() Update {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Update{
		Name:     p.name,
		Value:    p.value,
		Severity: p.severity,
		Time:     p.updated,
		Writable: p.handler != nil,
	}
}

// Set stores a healthy value.
func (p *PV) Set(value any) error {
	return p.SetAlarm(value, NoAlarm)
}

// SetAlarm stores a value together with an alarm severity.
func (p *PV) SetAlarm(value any, severity Severity) error {
	v, err := normalize(p.kind, value)
	if err != nil {
		return fmt.Errorf("%s: %w", p.name, err)
	}

	p.store(v, severity)

	return nil
}

// Invalidate keeps the last value but raises the invalid-alarm severity,
// marking the value as stale after a failed poll.
func (p *PV) Invalidate() {
	p.mu.RLock()
	value := p.value
	p.mu.RUnlock()

	p.store(value, InvalidAlarm)
}

// store records the value and severity and notifies subscribers. Updates
// that change neither value nor severity are dropped so idle poll loops do
// not flood the update stream.
func (p *PV) store(value any, severity Severity) {
	p.mu.Lock()
	if p.value == value && p.severity == severity {
		p.mu.Unlock()
		return
	}

	p.value = value
	p.severity = severity
	p.updated = time.Now()
	snapshot := Update{
		Name:     p.name,
		Value:    p.value,
		Severity: p.severity,
		Time:     p.updated,
		Writable: p.handler != nil,
	}
	p.mu.Unlock()

	p.reg.notify(snapshot)
}

// Registry is a concurrent collection of process variables.
type Registry struct {
	pvs *xsync.MapOf[string, *PV]
	log logger.Logger

	subMu   sync.Mutex
	subs    map[int]chan Update
	nextSub int
}

// NewRegistry creates an empty registry.
func NewRegistry(l logger.Logger) *Registry {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Registry{
		pvs:  xsync.NewMapOf[string, *PV](),
		log:  l,
		subs: make(map[int]chan Update),
	}
}

func (r *Registry) add(name string, kind Kind, handler Handler) *PV {
	p := &PV{
		name:    name,
		kind:    kind,
		reg:     r,
		handler: handler,
		value:   zeroValue(kind),
		updated: time.Now(),
	}

	if existing, loaded := r.pvs.LoadOrStore(name, p); loaded {
		r.log.Warn("process variable already registered", "name", name)
		return existing
	}

	return p
}

// AddBool registers a read-only boolean process variable.
func (r *Registry) AddBool(name string) *PV { return r.add(name, KindBool, nil) }

// AddInt registers a read-only integer process variable.
func (r *Registry) AddInt(name string) *PV { return r.add(name, KindInt, nil) }

// AddFloat registers a read-only float process variable.
func (r *Registry) AddFloat(name string) *PV { return r.add(name, KindFloat, nil) }

// AddString registers a read-only string process variable.
func (r *Registry) AddString(name string) *PV { return r.add(name, KindString, nil) }

// AddValue registers a writable process variable that stores written values
// without side effects.
func (r *Registry) AddValue(name string, kind Kind) *PV {
	return r.add(name, kind, func(context.Context, any) error { return nil })
}

// AddSetter registers a writable process variable whose handler runs after
// each accepted write.
func (r *Registry) AddSetter(name string, kind Kind, handler Handler) *PV {
	if handler == nil {
		return r.AddValue(name, kind)
	}
	return r.add(name, kind, handler)
}

// Get looks up a process variable by name.
func (r *Registry) Get(name string) (*PV, bool) {
	return r.pvs.Load(name)
}

// Len returns the number of registered process variables.
func (r *Registry) Len() int {
	return r.pvs.Size()
}

// List returns a snapshot of every process variable, sorted by name.
func (r *Registry) List() []Update {
	out := make([]Update, 0, r.pvs.Size())
	r.pvs.Range(func(_ string, p *PV) bool {
		out = append(out, p.Snapshot())
		return true
	})

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Apply writes a value to a writable process variable. The value is stored
// first, matching output-record semantics, and the handler runs after; a
// handler error is returned to the caller but the stored value stands.
func (r *Registry) Apply(ctx context.Context, name string, value any) (Update, error) {
	p, ok := r.Get(name)
	if !ok {
		return Update{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if p.handler == nil {
		return Update{}, fmt.Errorf("%w: %q", ErrReadOnly, name)
	}

	v, err := normalize(p.kind, value)
	if err != nil {
		return Update{}, fmt.Errorf("%s: %w", name, err)
	}

	p.store(v, NoAlarm)

	if err := p.handler(ctx, v); err != nil {
		return p.Snapshot(), err
	}

	return p.Snapshot(), nil
}

// Subscribe registers an update channel with the given buffer size. The
// returned cancel function removes the subscription and closes the channel.
// Updates that do not fit the buffer are dropped, never blocked on.
func (r *Registry) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer < 1 {
		buffer = 1
	}

	ch := make(chan Update, buffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	cancel := func() {
		r.subMu.Lock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
		r.subMu.Unlock()
	}

	return ch, cancel
}

func (r *Registry) notify(u Update) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- u:
		default:
			r.log.Warn("dropping process variable update, subscriber buffer full", "name", u.Name)
		}
	}
}
