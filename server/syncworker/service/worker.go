package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"media_shuttle/server/common/infra/mq"
	commonlog "media_shuttle/server/common/log"
)

// Worker runs the long-poll receive loop: one consumer channel feeding
// a bounded pool, so a slow download never stalls the rest of the
// batch. Messages are acked only after the record transition is
// applied (or observed already applied); everything unacked at crash
// time redelivers to the next worker instance.
type Worker struct {
	conn        *amqp.Connection
	processor   *Processor
	deadLetters *DeadLetterPublisher
	concurrency int
	consumerTag string
	grace       time.Duration
}

func NewWorker(conn *amqp.Connection, processor *Processor, deadLetters *DeadLetterPublisher, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Worker{
		conn:        conn,
		processor:   processor,
		deadLetters: deadLetters,
		concurrency: concurrency,
		consumerTag: "media-shuttle-syncworker",
		grace:       5 * time.Minute,
	}
}

func (w *Worker) Run(ctx context.Context) error {
	ch, err := w.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := mq.DeclareTopology(ch); err != nil {
		return err
	}
	// Prefetch matches the pool size so the broker never hands us
	// more than we can run concurrently.
	if err := ch.Qos(w.concurrency, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(mq.QueueUploaded, w.consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	commonlog.Infof("event=sync_worker status=consuming queue=%s concurrency=%d", mq.QueueUploaded, w.concurrency)

	g := new(errgroup.Group)
	g.SetLimit(w.concurrency)

	for {
		select {
		case <-ctx.Done():
			// Stop requesting new deliveries; in-flight messages
			// finish, never killed mid-write.
			if err := ch.Cancel(w.consumerTag, false); err != nil {
				commonlog.Warnf("event=sync_worker status=cancel_failed error=%v", err)
			}
			_ = g.Wait()
			commonlog.Infof("event=sync_worker status=stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				_ = g.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			g.Go(func() error {
				// Detached from the run context: shutdown stops new
				// deliveries, but a message already in the pool
				// finishes its download and record transition.
				hctx, cancel := w.handlerContext(ctx)
				defer cancel()
				w.handle(hctx, d)
				return nil
			})
		}
	}
}

// handlerContext outlives a cancelled run context so an in-flight
// message is never killed mid-write; the grace deadline bounds how
// long a handler can run past the consume loop.
func (w *Worker) handlerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.grace)
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	switch w.processor.Process(ctx, d.Body) {
	case DispositionAck:
		if err := d.Ack(false); err != nil {
			commonlog.Warnf("event=sync_worker status=ack_failed error=%v", err)
		}
	case DispositionRetry:
		if err := d.Nack(false, true); err != nil {
			commonlog.Warnf("event=sync_worker status=nack_failed error=%v", err)
		}
	case DispositionDeadLetter:
		if err := w.deadLetters.Publish(ctx, d.Body); err != nil {
			// Keep the message rather than lose it.
			commonlog.Exceptionf("event=sync_worker status=deadletter_publish_failed error=%v", err)
			_ = d.Nack(false, true)
			return
		}
		if err := d.Ack(false); err != nil {
			commonlog.Warnf("event=sync_worker status=ack_failed error=%v", err)
		}
	}
}

// DeadLetterPublisher moves permanently failed messages onto the
// operator-visible dead-letter queue on its own channel.
type DeadLetterPublisher struct {
	channel *amqp.Channel
}

func NewDeadLetterPublisher(conn *amqp.Connection) (*DeadLetterPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := mq.DeclareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &DeadLetterPublisher{channel: ch}, nil
}

func (p *DeadLetterPublisher) Publish(ctx context.Context, body []byte) error {
	if !json.Valid(body) {
		// Preserve the raw payload either way; operators need to see
		// what arrived, not a cleaned-up version.
		commonlog.Warnf("event=dead_letter status=non_json_payload size=%d", len(body))
	}
	return p.channel.PublishWithContext(ctx, mq.ExchangeTransfers, mq.KeyDeadLetter, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (p *DeadLetterPublisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
}
