// Package handlerset wires AMQP deliveries to the message handlers that
// process them. Routing keys look like `events.notification.update.<type>`;
// the second segment selects the handler and the final segment names the
// update type passed to it.
package handlerset

import (
	"context"
	"strings"

	"github.com/pushpipe/aggregator/common"
	"github.com/pushpipe/aggregator/handlers"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// HandlerSet represents a set of AMQP message handlers bound to a queue.
type HandlerSet struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	handlerFor map[string]handlers.MessageHandler
	log        *logrus.Entry
}

// New creates a new handler set, declaring the exchange and queue and binding
// the queue to the notification event routing keys.
func New(amqpSettings *common.AMQPSettings, handlerFor map[string]handlers.MessageHandler) (*HandlerSet, error) {
	wrapMsg := "unable to create the message handler set"

	// Connect to the AMQP broker.
	connection, err := amqp.Dial(amqpSettings.URI)
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	channel, err := connection.Channel()
	if err != nil {
		connection.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}

	// Declare the exchange and queue and bind the routing keys we handle.
	err = channel.ExchangeDeclare(amqpSettings.ExchangeName, amqpSettings.ExchangeType, true, false, false, false, nil)
	if err != nil {
		connection.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}
	queue, err := channel.QueueDeclare(amqpSettings.QueueName, true, false, false, false, nil)
	if err != nil {
		connection.Close()
		return nil, errors.Wrap(err, wrapMsg)
	}
	for category := range handlerFor {
		err = channel.QueueBind(queue.Name, "events."+category+".#", amqpSettings.ExchangeName, false, nil)
		if err != nil {
			connection.Close()
			return nil, errors.Wrap(err, wrapMsg)
		}
	}

	// Build and return the handler set.
	handlerSet := HandlerSet{
		connection: connection,
		channel:    channel,
		queueName:  queue.Name,
		handlerFor: handlerFor,
		log:        logrus.WithField("component", "handlerset"),
	}
	return &handlerSet, nil
}

// Listen consumes deliveries until the context is cancelled, routing each
// delivery to its handler. Recoverable handler errors requeue the delivery;
// unrecoverable ones drop it.
func (hs *HandlerSet) Listen(ctx context.Context) error {
	wrapMsg := "unable to consume deliveries"

	deliveries, err := hs.channel.Consume(hs.queueName, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, wrapMsg)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.Wrap(amqp.ErrClosed, wrapMsg)
			}
			hs.handleDelivery(ctx, delivery)
		}
	}
}

// handleDelivery routes one delivery to its handler and acknowledges it based
// on the handler's error classification.
func (hs *HandlerSet) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	deliveryLog := hs.log.WithField("routingKey", delivery.RoutingKey)

	// Determine the handler and update type from the routing key.
	category, updateType := parseRoutingKey(delivery.RoutingKey)
	handler, ok := hs.handlerFor[category]
	if !ok {
		deliveryLog.Warn("no handler registered for delivery")
		_ = delivery.Reject(false)
		return
	}

	// Pass the delivery to the handler.
	err := handler.HandleMessage(ctx, updateType, delivery)
	switch err.(type) {
	case nil:
		_ = delivery.Ack(false)
	case handlers.RecoverableError:
		deliveryLog.WithError(err).Warn("requeueing delivery after a recoverable error")
		_ = delivery.Nack(false, true)
	default:
		deliveryLog.WithError(err).Error("dropping delivery after an unrecoverable error")
		_ = delivery.Nack(false, false)
	}
}

// parseRoutingKey extracts the handler category and update type from a
// routing key of the form `events.<category>.<...>.<type>`.
func parseRoutingKey(routingKey string) (string, string) {
	parts := strings.Split(routingKey, ".")
	if len(parts) < 2 {
		return routingKey, routingKey
	}
	return parts[1], parts[len(parts)-1]
}

// Close closes a message handler set.
func (hs *HandlerSet) Close() {
	hs.connection.Close()
}
