package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrRejectedTransition = errors.New("transition rejected")

var TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "lifecycle_transitions_total",
	Help: "Lifecycle events fired, by event and outcome",
}, []string{"event", "applied"})

func init() {
	prometheus.MustRegister(TransitionsTotal)
}

// Entity is anything carrying a lifecycle state.
type Entity interface {
	LifecycleState() State
	SetLifecycleState(State)
}

const (
	HeaderActor           = "actor"
	HeaderTargetDirectory = "target-directory"
	HeaderRenameRule      = "rename-rule"
	HeaderDeleteFile      = "delete-file"

	// HeaderBatch marks events fired from inside a batch step; the step's sink
	// persists the entity.
	HeaderBatch = "batch"
)

type Headers map[string]string

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Bool(key string) bool {
	b, _ := strconv.ParseBool(h[key])
	return b
}

type Transition struct {
	Entity  Entity
	From    State
	To      State
	Event   Event
	Headers Headers
}

// Listener performs a side effect after a transition has been applied.
type Listener interface {
	OnTransition(ctx context.Context, t Transition) error
}

type ListenerFunc func(ctx context.Context, t Transition) error

func (f ListenerFunc) OnTransition(ctx context.Context, t Transition) error {
	return f(ctx, t)
}

type Result struct {
	Applied  bool  `json:"applied"`
	Previous State `json:"previous"`
	State    State `json:"state"`
}

// Err converts a rejected result into ErrRejectedTransition.
func (r Result) Err(event Event) error {
	if r.Applied {
		return nil
	}
	return fmt.Errorf("%w: %s from %s", ErrRejectedTransition, event, r.Previous)
}

type registration struct {
	listener Listener
	events   map[Event]bool
}

func (r registration) wants(e Event) bool {
	return len(r.events) == 0 || r.events[e]
}

// Machine applies guarded transitions and dispatches listeners in
// registration order.
type Machine struct {
	table  Table
	logger *slog.Logger

	stateMu sync.Mutex

	mu        sync.RWMutex
	listeners []registration
}

func NewMachine(table Table, logger *slog.Logger) (*Machine, error) {
	if err := table.Validate(Events); err != nil {
		return nil, fmt.Errorf("invalid lifecycle table: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{table: table, logger: logger}, nil
}

// AddListener subscribes l to the given events, or to every event when none
// are given.
func (m *Machine) AddListener(l Listener, events ...Event) {
	reg := registration{listener: l}
	if len(events) > 0 {
		reg.events = make(map[Event]bool, len(events))
		for _, e := range events {
			reg.events[e] = true
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, reg)
}

// Can reports whether event is accepted from state.
func (m *Machine) Can(state State, event Event) bool {
	_, ok := m.table.Next(state, event)
	return ok
}

// Fire applies event to entity. An event that is not valid for the current
// state leaves the entity untouched and returns Applied=false.
func (m *Machine) Fire(ctx context.Context, entity Entity, event Event, headers Headers) Result {
	m.stateMu.Lock()
	from := entity.LifecycleState()
	to, ok := m.table.Next(from, event)
	if ok {
		entity.SetLifecycleState(to)
	}
	m.stateMu.Unlock()

	TransitionsTotal.WithLabelValues(string(event), strconv.FormatBool(ok)).Inc()
	if !ok {
		m.logger.Debug("transition rejected", "event", event, "state", from)
		return Result{Applied: false, Previous: from, State: from}
	}

	if headers == nil {
		headers = Headers{}
	}
	t := Transition{Entity: entity, From: from, To: to, Event: event, Headers: headers}

	m.mu.RLock()
	regs := append([]registration(nil), m.listeners...)
	m.mu.RUnlock()
	for _, reg := range regs {
		if reg.wants(event) {
			m.dispatch(ctx, reg.listener, t)
		}
	}
	return Result{Applied: true, Previous: from, State: to}
}

func (m *Machine) dispatch(ctx context.Context, l Listener, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lifecycle listener panicked", "event", t.Event, "state", t.To, "error", fmt.Sprint(r))
		}
	}()
	if err := l.OnTransition(ctx, t); err != nil {
		m.logger.Error("lifecycle listener failed", "event", t.Event, "state", t.To, "error", err)
	}
}
