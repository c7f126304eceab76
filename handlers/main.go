package handlers

import (
	"context"

	"github.com/pushpipe/aggregator/engine"

	"github.com/streadway/amqp"
)

// MessageHandler describes the interface used to handle AMQP deliveries.
type MessageHandler interface {
	HandleMessage(ctx context.Context, updateType string, delivery amqp.Delivery) error
}

// InitMessageHandlers returns a map from event category name to message handler.
func InitMessageHandlers(eng *engine.Engine) map[string]MessageHandler {
	return map[string]MessageHandler{
		"notification": NewEvent(eng),
	}
}
