package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeEvents Exchange = "freight.events"
	ExchangeDLQ    Exchange = "freight.dlq"
)

// Queues — имена очередей.
const (
	QueueEventsArchive Queue = "events.archive"
	QueueDLQEvents     Queue = "dlq.events"
)

// Routing keys.
const (
	RoutingKeyAllEvents RoutingKey = "#"
	RoutingKeyDLQEvents RoutingKey = "events"
)

// RoutingKeyFor возвращает routing key события: он совпадает с типом.
func RoutingKeyFor(t MessageType) RoutingKey {
	return RoutingKey(t)
}

// SetupTopology объявляет exchanges, durable-очереди и bindings.
// Операция идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeEvents, amqp.ExchangeTopic},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// events.archive — архивация логов завершённых jobs
		{QueueEventsArchive, dlqArgs},

		{QueueDLQEvents, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueEventsArchive, RoutingKeyFor(MessageTypeJobFinished), ExchangeEvents},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// DeclareWatchQueue объявляет временную exclusive-очередь, привязанную
// к ExchangeEvents по заданным шаблонам. Очередь удаляется вместе с соединением.
func DeclareWatchQueue(ch *amqp.Channel, patterns ...RoutingKey) (string, error) {
	if len(patterns) == 0 {
		patterns = []RoutingKey{RoutingKeyAllEvents}
	}

	q, err := ch.QueueDeclare(
		"",    // server-generated name
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare watch queue: %w", err)
	}

	for _, p := range patterns {
		if err := ch.QueueBind(q.Name, string(p), string(ExchangeEvents), false, nil); err != nil {
			return "", fmt.Errorf("bind watch queue to %s: %w", p, err)
		}
	}
	return q.Name, nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Freight RabbitMQ Topology:

    freight.events (topic)
    ├── events.archive [routing: job.finished]
    │       Consumer: freight-worker (archive)
    │       DLQ: dlq.events
    └── <exclusive> [routing: # or filter]
            Consumer: freight-cli events watch

    freight.dlq (direct)
    └── dlq.events [routing: events]
            Manual processing
  `
}
