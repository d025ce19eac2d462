package notify

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes events to a topic exchange. The routing key is
// "scan." + the lower-cased event type, e.g. scan.event_jobs_discovered.
type AMQP struct {
	ch       amqpChannel
	exchange string
}

// NewAMQP wraps a channel whose exchange is already declared.
func NewAMQP(ch *amqp.Channel, exchange string) *AMQP {
	return &AMQP{ch: ch, exchange: exchange}
}

func routingKey(eventType string) string {
	return "scan." + strings.ToLower(eventType)
}

func (a *AMQP) Publish(ctx context.Context, e Event) error {
	payload, err := e.encode()
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	err = a.ch.PublishWithContext(ctx, a.exchange, routingKey(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ScanTaskID,
		Type:         e.Type,
		Body:         payload,
	})
	return errors.Wrapf(err, "publish %s to %s", e.Type, a.exchange)
}
