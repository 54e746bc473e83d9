package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"media_shuttle/server/common/infra/mq"
	"media_shuttle/server/transfer/domain"
)

// TransferPublisher publishes transfer.uploaded messages on its own
// channel with persistent delivery, so a broker restart does not lose
// announced uploads.
type TransferPublisher struct {
	channel *amqp.Channel
}

func NewTransferPublisher(conn *amqp.Connection) (*TransferPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := mq.DeclareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &TransferPublisher{channel: ch}, nil
}

func (p *TransferPublisher) PublishUploaded(ctx context.Context, msg domain.TransferMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, mq.ExchangeTransfers, mq.KeyUploaded, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (p *TransferPublisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
}
