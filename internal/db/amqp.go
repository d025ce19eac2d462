package db

import (
	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DialAMQP connects to RabbitMQ and declares the topic exchange events are
// published to.
func DialAMQP(url, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, errors.Wrap(err, "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "amqp channel")
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, errors.Wrapf(err, "declare exchange %q", exchange)
	}
	return conn, ch, nil
}
