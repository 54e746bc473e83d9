package mq

import amqp "github.com/rabbitmq/amqp091-go"

const (
	ExchangeTransfers = "shuttle.transfers"

	QueueUploaded   = "shuttle.transfers.uploaded"
	QueueDeadLetter = "shuttle.transfers.deadletter"

	KeyUploaded   = "transfer.uploaded"
	KeyDeadLetter = "transfer.deadletter"
)

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// DeclareTopology declares the durable exchange and queues every
// pipeline component assumes. Declaration is idempotent, so each
// service declares on startup rather than depending on provisioning
// order.
func DeclareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeTransfers, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(QueueUploaded, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(QueueUploaded, KeyUploaded, ExchangeTransfers, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(QueueDeadLetter, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(QueueDeadLetter, KeyDeadLetter, ExchangeTransfers, false, nil); err != nil {
		return err
	}
	return nil
}
