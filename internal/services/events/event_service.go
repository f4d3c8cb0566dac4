package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/comfyq/internal/models"
)

// Handler receives published events.
type Handler func(ctx context.Context, event models.Event) error

// Service is an in-process pub/sub fan-out for queue state changes.
type Service struct {
	subscribers map[models.EventType]map[uint64]Handler
	nextID      uint64
	mu          sync.RWMutex
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[models.EventType]map[uint64]Handler),
		logger:      logger,
	}
}

// Subscribe registers a handler and returns a token for Unsubscribe.
func (s *Service) Subscribe(eventType models.EventType, handler Handler) (uint64, error) {
	if handler == nil {
		return 0, fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	if s.subscribers[eventType] == nil {
		s.subscribers[eventType] = make(map[uint64]Handler)
	}
	s.subscribers[eventType][id] = handler

	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")
	return id, nil
}

// Unsubscribe removes a previously registered handler.
func (s *Service) Unsubscribe(eventType models.EventType, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribers[eventType], id)
}

// Publish sends an event to all subscribers asynchronously.
func (s *Service) Publish(ctx context.Context, eventType models.EventType, payload map[string]any) {
	event := models.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.subscribers[eventType]))
	for _, h := range s.subscribers[eventType] {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				s.logger.Error().
					Err(err).
					Str("event_type", string(eventType)).
					Msg("Event handler failed")
			}
		}(handler)
	}
}

// Close shuts down the event service
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers = make(map[models.EventType]map[uint64]Handler)
	s.logger.Info().Msg("Event service closed")
	return nil
}
