package monitor

import (
	"log/slog"
	"sync"
)

// handlerSet is a subscription list that outlives individual connections.
// Handlers are called synchronously; a panicking handler is recovered.
type handlerSet[T any] struct {
	mu       sync.RWMutex
	handlers map[uint64]func(T)
	nextID   uint64
	name     string
	logger   *slog.Logger
}

func newHandlerSet[T any](name string, logger *slog.Logger) *handlerSet[T] {
	return &handlerSet[T]{
		handlers: make(map[uint64]func(T)),
		name:     name,
		logger:   logger,
	}
}

func (s *handlerSet[T]) add(h func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.handlers, id)
	}
}

func (s *handlerSet[T]) emit(v T) {
	s.mu.RLock()
	handlers := make([]func(T), 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("handler panic", "handler", s.name, "panic", r)
				}
			}()
			h(v)
		}()
	}
}
