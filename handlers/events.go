package handlers

import (
	"context"
	"encoding/json"

	"github.com/pushpipe/aggregator/common"
	"github.com/pushpipe/aggregator/model"

	"github.com/streadway/amqp"
)

// NotificationEvent represents a deserialized domain event announcing a new
// in-app notification that may warrant a push delivery.
type NotificationEvent struct {
	NotificationID string `json:"notification_id"`
	UserID         string `json:"user_id"`
	WorkspaceID    string `json:"workspace_id"`
	PageID         string `json:"page_id"`
	SpaceID        string `json:"space_id"`
	ActorID        string `json:"actor_id"`
	Timestamp      string `json:"timestamp"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	URL            string `json:"url"`
}

// Dispatcher routes one notification event into the aggregation pipeline.
type Dispatcher interface {
	DispatchOrAggregate(ctx context.Context, notification *model.Notification, payload model.JobPayload) error
}

// Event is a message handler for domain events published by the notification
// producers.
type Event struct {
	dispatcher Dispatcher
}

// NewEvent returns a new notification event handler.
func NewEvent(dispatcher Dispatcher) *Event {
	return &Event{dispatcher: dispatcher}
}

// HandleMessage handles a single AMQP delivery. Malformed events are marked
// unrecoverable so that the consume loop drops them instead of redelivering
// them forever; pipeline failures are recoverable and requeued.
func (h *Event) HandleMessage(ctx context.Context, updateType string, delivery amqp.Delivery) error {

	// Parse the message body.
	var event NotificationEvent
	err := json.Unmarshal(delivery.Body, &event)
	if err != nil {
		return NewUnrecoverableError("unable to parse event body: %s", err.Error())
	}
	if event.NotificationID == "" || event.UserID == "" {
		return NewUnrecoverableError("event body is missing the notification or user ID")
	}

	// Normalize the timestamp for logging and traceability.
	_, err = common.FixTimestamp(event.Timestamp)
	if err != nil {
		return NewUnrecoverableError("unable to parse event timestamp: %s", err.Error())
	}

	// Route the event into the pipeline.
	notification := &model.Notification{
		ID:          event.NotificationID,
		UserID:      event.UserID,
		WorkspaceID: event.WorkspaceID,
		PageID:      event.PageID,
		SpaceID:     event.SpaceID,
		Type:        updateType,
		ActorID:     event.ActorID,
	}
	payload := model.JobPayload{
		Title:          event.Title,
		Body:           event.Body,
		URL:            event.URL,
		Type:           updateType,
		NotificationID: event.NotificationID,
	}
	err = h.dispatcher.DispatchOrAggregate(ctx, notification, payload)
	if err != nil {
		return NewRecoverableError("unable to process the notification event: %s", err.Error())
	}

	return nil
}
