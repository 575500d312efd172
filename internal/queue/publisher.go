package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dmitrijs2005/mailarchiver/internal/logging"
)

// AttemptHeader counts how many times a job has already failed.
const AttemptHeader = "x-attempt"

const publishTimeout = 5 * time.Second

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher enqueues index jobs on the default exchange.
type Publisher struct {
	ch     publishChannel
	logger logging.Logger
	now    func() time.Time
}

func NewPublisher(ch publishChannel, logger logging.Logger) *Publisher {
	return &Publisher{ch: ch, logger: logger.With("module", "queue"), now: time.Now}
}

// PublishIndexBatch enqueues one index job for ids.
func (p *Publisher) PublishIndexBatch(ctx context.Context, ids []string) error {
	msg := IndexBatchMessage{
		BatchID:    uuid.NewString(),
		EmailIDs:   ids,
		EnqueuedAt: p.now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode index batch: %w", err)
	}

	err = p.publish(ctx, IndexingQueue, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.BatchID,
		Type:         JobIndexEmailBatch,
		Timestamp:    msg.EnqueuedAt,
		Headers:      amqp.Table{AttemptHeader: int32(0)},
		Body:         body,
	})
	if err != nil {
		return err
	}
	p.logger.Debug(ctx, "index batch enqueued", "batchId", msg.BatchID, "count", len(ids))
	return nil
}

// retry parks a copy of d in the retry queue. It comes back to the work
// queue after delay with the attempt counter set to attempt.
func (p *Publisher) retry(ctx context.Context, d amqp.Delivery, attempt int, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[AttemptHeader] = int32(attempt)

	return p.publish(ctx, RetryQueue, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Timestamp:    d.Timestamp,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         d.Body,
	})
}

func (p *Publisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, publishTimeout)
		defer cancel()
	}
	if err := p.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	return nil
}
