package syndicate

import "sync"

// Event is delivered to syndication observers.
type Event struct {
	LocalID string
	Profile *Profile
	Topic   Topic
	Kind    GroupKind // set for group events only
	Payload Payload   // outgoing data for before-events, remote result for after-events
}

// Observer receives syndication events. Observers run synchronously and must
// not block; their panics are recovered and logged.
type Observer func(Event)

// Signals fans syndication events out to any number of observers.
type Signals struct {
	mu          sync.RWMutex
	before      []Observer
	after       []Observer
	beforeGroup []Observer
	afterGroup  []Observer
	logger      Logger
}

func NewSignals(logger Logger) *Signals {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Signals{logger: logger}
}

func (s *Signals) OnBeforeSyndication(fn Observer) { s.add(&s.before, fn) }
func (s *Signals) OnAfterSyndication(fn Observer)  { s.add(&s.after, fn) }

func (s *Signals) OnBeforeGroupSyndication(fn Observer) { s.add(&s.beforeGroup, fn) }
func (s *Signals) OnAfterGroupSyndication(fn Observer)  { s.add(&s.afterGroup, fn) }

func (s *Signals) add(list *[]Observer, fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*list = append(*list, fn)
}

func (s *Signals) emit(name string, list *[]Observer, ev Event) {
	s.mu.RLock()
	observers := append([]Observer(nil), (*list)...)
	s.mu.RUnlock()

	for _, fn := range observers {
		s.call(name, fn, ev)
	}
}

func (s *Signals) call(name string, fn Observer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("syndication observer panicked", "signal", name, "local_id", ev.LocalID, "panic", r)
		}
	}()
	fn(ev)
}

func (s *Signals) beforeSyndication(ev Event) {
	if s != nil {
		s.emit("before_syndication", &s.before, ev)
	}
}

func (s *Signals) afterSyndication(ev Event) {
	if s != nil {
		s.emit("after_syndication", &s.after, ev)
	}
}

func (s *Signals) beforeGroupSyndication(ev Event) {
	if s != nil {
		s.emit("before_group_syndication", &s.beforeGroup, ev)
	}
}

func (s *Signals) afterGroupSyndication(ev Event) {
	if s != nil {
		s.emit("after_group_syndication", &s.afterGroup, ev)
	}
}
