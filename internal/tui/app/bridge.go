package app

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/petshop/pulse/internal/guard"
)

// Bridge carries messages from background goroutines (transport reader,
// refetch appliers, store watchers) into the program. Post never blocks, so
// it is safe to call while holding a component's lock.
type Bridge struct {
	mu     sync.Mutex
	queue  []tea.Msg
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func NewBridge() *Bridge {
	return &Bridge{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (b *Bridge) Post(msg tea.Msg) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Run forwards queued messages to send, in order, until Stop.
func (b *Bridge) Run(send func(tea.Msg)) {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		b.mu.Unlock()
		for _, msg := range batch {
			send(msg)
		}
	}
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

// Toast implements guard.Toaster.
func (b *Bridge) Toast(kind guard.ToastKind, message string) error {
	b.Post(ToastMsg{Kind: kind, Text: message})
	return nil
}

// Navigate implements guard.Navigator.
func (b *Bridge) Navigate(path string, replace bool) error {
	b.Post(NavigateMsg{Path: path, Replace: replace})
	return nil
}
