package livechannel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Bus is an in-process Channel. Publish dispatches synchronously to the
// handlers registered for the event, in registration order.
type Bus struct {
	mu       sync.RWMutex
	next     Token
	handlers map[string][]registration
	events   map[Token]string
}

type registration struct {
	tok Token
	h   Handler
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]registration),
		events:   make(map[Token]string),
	}
}

func (b *Bus) Subscribe(event string, h Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	tok := b.next
	b.handlers[event] = append(b.handlers[event], registration{tok: tok, h: h})
	b.events[tok] = event
	return tok
}

func (b *Bus) Unsubscribe(tok Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	event, ok := b.events[tok]
	if !ok {
		return
	}
	delete(b.events, tok)
	regs := b.handlers[event]
	out := make([]registration, 0, len(regs))
	for _, r := range regs {
		if r.tok != tok {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		delete(b.handlers, event)
		return
	}
	b.handlers[event] = out
}

func (b *Bus) Publish(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encode(payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	b.Dispatch(event, raw)
	return nil
}

// Dispatch delivers an already encoded payload. Handlers may unsubscribe
// (themselves or others) while being dispatched.
func (b *Bus) Dispatch(event string, raw json.RawMessage) {
	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[event]...)
	b.mu.RUnlock()
	for _, r := range regs {
		if !b.live(r.tok) {
			continue
		}
		r.h(raw)
	}
}

// Handlers reports how many registrations exist for event.
func (b *Bus) Handlers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[event])
}

func (b *Bus) live(tok Token) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.events[tok]
	return ok
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
