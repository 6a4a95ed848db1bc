// Package events allows goroutines to register for and receive collection
// progress messages.
package events

import (
	"fmt"
	"sync"
)

// Events maintains a mapping of unique ids and channels so goroutines can
// register and receive progress messages.
type Events struct {
	m  map[string]chan string
	mu sync.RWMutex
}

// New constructs an Events value for registering and receiving messages.
func New() *Events {
	return &Events{
		m: make(map[string]chan string),
	}
}

// Acquire takes a unique id and returns a channel that can be used to
// receive messages.
func (evt *Events) Acquire(id string) chan string {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	if ch, exists := evt.m[id]; exists {
		return ch
	}

	// A message is dropped if the receiver is not ready, so this buffer
	// gives slow receivers (websocket writes) a chance to catch up.
	const messageBuffer = 100

	evt.m[id] = make(chan string, messageBuffer)
	return evt.m[id]
}

// Release closes and removes the channel that was provided by the call
// to Acquire.
func (evt *Events) Release(id string) error {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.m[id]
	if !exists {
		return fmt.Errorf("id %q does not exist", id)
	}

	delete(evt.m, id)
	close(ch)

	return nil
}

// Send delivers the message to every registered channel. Send will not
// block waiting for a receiver on any given channel.
func (evt *Events) Send(message string) {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	for _, ch := range evt.m {
		select {
		case ch <- message:
		default:
		}
	}
}

// Shutdown closes and removes all channels that were provided by calls
// to Acquire.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, ch := range evt.m {
		delete(evt.m, id)
		close(ch)
	}
}
