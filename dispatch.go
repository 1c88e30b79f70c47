package conductor

import "log/slog"

// Handler declares which events it wants and the queue they go to. Handlers
// are never invoked at dispatch time; Matches must be a pure predicate.
type Handler struct {
	Name    string
	Matches func(Event) bool
	Queue   string
}

// Dispatcher routes each event to the queue of the first matching handler,
// in registration order. Unmatched events are logged and dropped.
type Dispatcher struct {
	handlers []Handler
	queues   map[string]*Queue
	taps     []func(Event)
	logger   *slog.Logger
}

// NewDispatcher builds an empty dispatcher. Register, Bind and Tap are
// construction-time wiring and are not safe to call once events flow.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queues: make(map[string]*Queue),
		logger: logger.With("component", "dispatch"),
	}
}

// Register appends h to the registry. Order of registration is the tie-break.
func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
}

// Bind attaches a queue under its routing name.
func (d *Dispatcher) Bind(q *Queue) {
	d.queues[q.Name()] = q
}

// Queue looks up a bound queue; route actions use this to enqueue follow-up
// work directly.
func (d *Dispatcher) Queue(name string) *Queue {
	return d.queues[name]
}

// Tap registers an observer called for every dispatched event.
func (d *Dispatcher) Tap(fn func(Event)) {
	d.taps = append(d.taps, fn)
}

// Dispatch walks the registry and enqueues ev on the first match's queue.
func (d *Dispatcher) Dispatch(ev Event) {
	for _, h := range d.handlers {
		if !h.Matches(ev) {
			continue
		}
		q, ok := d.queues[h.Queue]
		if !ok {
			d.logger.Error("handler names an unbound queue", "handler", h.Name, "queue", h.Queue)
			return
		}
		eventsTotal.WithLabelValues(string(ev.Kind()), h.Queue).Inc()
		for _, tap := range d.taps {
			tap(ev)
		}
		q.Push(ev)
		return
	}
	d.logger.Warn("no handler matched event", "kind", ev.Kind(), "event", ev.EventMeta().ID, "source", ev.EventMeta().Source)
	eventsDropped.WithLabelValues(string(ev.Kind())).Inc()
}
