package handlers

import (
	"fmt"
	"sync"

	"github.com/kstaniek/go-camera-server/internal/protocol"
)

// Handler functions receive the originating client id and the parsed message
// and return the messages to send back on that client's socket.
type (
	AssignmentFunc func(clientID string, msg protocol.Assignment) []protocol.OutMessage
	InquiryFunc    func(clientID string, msg protocol.Inquiry) []protocol.OutMessage
	CommandFunc    func(clientID string, msg protocol.Command) []protocol.OutMessage
)

const noHandlerText = "No handler registered for this message."

// Registry maps (message kind, identifier) to a handler. Registration happens
// at startup; dispatch is concurrent.
type Registry struct {
	mu          sync.RWMutex
	assignments map[string]AssignmentFunc
	inquiries   map[string]InquiryFunc
	commands    map[string]CommandFunc
}

func NewRegistry() *Registry {
	return &Registry{
		assignments: make(map[string]AssignmentFunc),
		inquiries:   make(map[string]InquiryFunc),
		commands:    make(map[string]CommandFunc),
	}
}

func (r *Registry) RegisterAssignment(identifier string, fn AssignmentFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.assignments[identifier]; dup {
		return fmt.Errorf("handlers: assignment %q already registered", identifier)
	}
	r.assignments[identifier] = fn
	return nil
}

func (r *Registry) RegisterInquiry(identifier string, fn InquiryFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.inquiries[identifier]; dup {
		return fmt.Errorf("handlers: inquiry %q already registered", identifier)
	}
	r.inquiries[identifier] = fn
	return nil
}

func (r *Registry) RegisterCommand(identifier string, fn CommandFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.commands[identifier]; dup {
		return fmt.Errorf("handlers: command %q already registered", identifier)
	}
	r.commands[identifier] = fn
	return nil
}

// Handle dispatches msg to the handler registered for its kind and
// identifier. Unregistered messages produce a single generic Error.
func (r *Registry) Handle(clientID string, msg protocol.InMessage) []protocol.OutMessage {
	switch m := msg.(type) {
	case protocol.Assignment:
		r.mu.RLock()
		fn := r.assignments[m.Identifier]
		r.mu.RUnlock()
		if fn != nil {
			return fn(clientID, m)
		}
	case protocol.Inquiry:
		r.mu.RLock()
		fn := r.inquiries[m.Identifier]
		r.mu.RUnlock()
		if fn != nil {
			return fn(clientID, m)
		}
	case protocol.Command:
		r.mu.RLock()
		fn := r.commands[m.Identifier]
		r.mu.RUnlock()
		if fn != nil {
			return fn(clientID, m)
		}
	default:
		panic(fmt.Sprintf("handlers: unreachable in message type %T", msg))
	}
	return []protocol.OutMessage{protocol.ErrorFrom(msg, noHandlerText)}
}
