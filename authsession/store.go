package authsession

import (
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Reader is the read-only view of the verdict handed to consumers.
type Reader interface {
	State() State
	// Subscribe calls fn after every published change until cancel is
	// called. fn runs on the publishing goroutine and must not block or
	// call back into the Controller.
	Subscribe(fn func(State)) (cancel func())
}

type subscriber struct {
	id uint64
	fn func(State)
}

// Store holds the current State. Only the Controller that claimed the
// Store writes to it.
type Store struct {
	mu        sync.RWMutex
	state     State
	observers []subscriber
	nextID    uint64
	claimed   atomic.Bool
	logger    *zap.Logger
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for observer panics.
func WithStoreLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore returns a Store in the initial {Unknown, Loading} state.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		state:  State{Verdict: Unknown, Loading: true},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Verdict is shorthand for State().Verdict.
func (s *Store) Verdict() Verdict {
	return s.State().Verdict
}

// Subscribe registers fn for state changes.
func (s *Store) Subscribe(fn func(State)) func() {
	if fn == nil {
		return func() {}
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, o := range s.observers {
				if o.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// ObserverCount returns the number of registered observers.
func (s *Store) ObserverCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observers)
}

func (s *Store) claim() bool {
	return s.claimed.CompareAndSwap(false, true)
}

// publish replaces the state and notifies observers in registration order.
// Callers serialize publishes.
func (s *Store) publish(next State) {
	s.mu.Lock()
	s.state = next
	obs := make([]subscriber, len(s.observers))
	copy(obs, s.observers)
	s.mu.Unlock()

	for _, o := range obs {
		s.safeCall(o.fn, next)
	}
}

func (s *Store) safeCall(fn func(State), st State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("verdict observer panicked",
				zap.Any("panic", r),
				zap.String("verdict", st.Verdict.String()),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	fn(st)
}
