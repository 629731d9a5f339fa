package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	"livesession-backend/internal/models"
)

const (
	DefaultEventPage = 50
	MaxEventPage     = 200
)

// EventLog is the append-only activity history of a session. Every appended
// event is broadcast as session_event.created.
type EventLog struct {
	events EventStore
	bus    Broadcaster
}

func NewEventLog(events EventStore, bus Broadcaster) *EventLog {
	return &EventLog{events: events, bus: bus}
}

// NewEvent builds an unsaved event. Stores assign id, seq and created_at.
func NewEvent(sessionID uuid.UUID, userID *uuid.UUID, eventType string, payload interface{}) (*models.SessionEvent, error) {
	ev := &models.SessionEvent{SessionID: sessionID, UserID: userID, EventType: eventType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
		}
		ev.Payload = data
	}
	return ev, nil
}

func (l *EventLog) Append(ctx context.Context, sessionID uuid.UUID, userID *uuid.UUID, eventType string, payload interface{}) (*models.SessionEvent, error) {
	ev, err := NewEvent(sessionID, userID, eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := l.events.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	l.Announce(ctx, ev)
	return ev, nil
}

// Announce broadcasts an event that a store wrote inside its own transaction.
func (l *EventLog) Announce(ctx context.Context, ev *models.SessionEvent) {
	if ev == nil || ev.Seq == 0 {
		return
	}
	publish(ctx, l.bus, ev.SessionID, models.MsgEventCreated, ev)
}

// List returns a newest-first page. before is an exclusive seq cursor.
func (l *EventLog) List(ctx context.Context, sessionID uuid.UUID, limit int, before int64) ([]*models.SessionEvent, error) {
	if limit <= 0 {
		limit = DefaultEventPage
	}
	if limit > MaxEventPage {
		limit = MaxEventPage
	}
	if before < 0 {
		return nil, validation("before", "Cursor must not be negative")
	}
	events, err := l.events.List(ctx, sessionID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	if events == nil {
		events = []*models.SessionEvent{}
	}
	return events, nil
}

// publish never fails a command; the store is the source of truth and
// clients recover missed messages from a snapshot.
func publish(ctx context.Context, bus Broadcaster, sessionID uuid.UUID, msgType string, payload interface{}) {
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, sessionID, models.WSMessage{Type: msgType, Payload: payload}); err != nil {
		log.Printf("broadcast: failed to publish %s for session %s: %v", msgType, sessionID, err)
	}
}
