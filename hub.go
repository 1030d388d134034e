package main

import (
	"sync"

	"go.uber.org/zap"

	"github.com/movementbrand/mbdash/authsession"
	"github.com/movementbrand/mbdash/notify"
	"github.com/movementbrand/mbdash/viewrouter"
)

// Hub tracks open dashboard tabs and pushes verdict changes and
// notifications to them.
type Hub struct {
	tabs map[string]*Tab
	mu   sync.RWMutex

	// Channels for tab management
	register   chan *Tab
	unregister chan *Tab
	shutdown   chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	reader authsession.Reader
	logger *zap.Logger
}

var _ notify.Sink = (*Hub)(nil)

// NewHub creates a hub that reports reader's verdict to tabs.
func NewHub(reader authsession.Reader, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		tabs:       make(map[string]*Tab),
		register:   make(chan *Tab, 64),
		unregister: make(chan *Tab, 64),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		reader:     reader,
		logger:     logger,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case tab := <-h.register:
			h.addTab(tab)

		case tab := <-h.unregister:
			h.removeTab(tab)

		case <-h.shutdown:
			h.closeAllTabs()
			return
		}
	}
}

// Shutdown closes every tab and stops Run. Safe to call more than once.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.shutdown)
	})
	<-h.done
}

// Register adds a tab to the hub.
// Non-blocking: if buffer is full, spawns goroutine to retry.
func (h *Hub) Register(tab *Tab) {
	select {
	case h.register <- tab:
	case <-h.shutdown:
		tab.Close()
	default:
		go func() {
			select {
			case h.register <- tab:
			case <-h.shutdown:
				tab.Close()
			}
		}()
	}
}

// Unregister removes a tab from the hub.
// Non-blocking: if buffer is full, spawns goroutine to retry.
func (h *Hub) Unregister(tab *Tab) {
	select {
	case h.unregister <- tab:
	case <-h.shutdown:
	default:
		go func() {
			select {
			case h.unregister <- tab:
			case <-h.shutdown:
			}
		}()
	}
}

func (h *Hub) addTab(tab *Tab) {
	h.mu.Lock()
	h.tabs[tab.id] = tab
	n := len(h.tabs)
	h.mu.Unlock()

	h.logger.Debug("tab connected", zap.String("tab", tab.id), zap.Int("tabs", n))
	tab.Send(h.stateFor(tab, h.reader.State()))
}

func (h *Hub) removeTab(tab *Tab) {
	h.mu.Lock()
	delete(h.tabs, tab.id)
	h.mu.Unlock()
}

func (h *Hub) closeAllTabs() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, tab := range h.tabs {
		tab.Close()
	}
	h.tabs = make(map[string]*Tab)
}

// TabCount returns the number of open tabs.
func (h *Hub) TabCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tabs)
}

func (h *Hub) snapshot() []*Tab {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Tab, 0, len(h.tabs))
	for _, tab := range h.tabs {
		out = append(out, tab)
	}
	return out
}

// stateFor builds the verdict message for tab, including where the tab
// must navigate if its page is no longer allowed.
func (h *Hub) stateFor(tab *Tab, st authsession.State) *ServerMessage {
	msg := stateMessage(st)
	if p := tab.Path(); p != "" {
		if d := viewrouter.Resolve(st, p); d.Action == viewrouter.Redirect {
			msg.State.Redirect = d.Target
		}
	}
	return msg
}

// OnState is subscribed to the session store. It runs on the controller's
// goroutine, so it only queues messages.
func (h *Hub) OnState(st authsession.State) {
	for _, tab := range h.snapshot() {
		tab.Send(h.stateFor(tab, st))
	}
}

// Deliver implements notify.Sink.
func (h *Hub) Deliver(n notify.Notification) {
	msg := notifyMessage(n)
	for _, tab := range h.snapshot() {
		tab.Send(msg)
	}
}
