package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dmitrijs2005/mailarchiver/internal/common"
	"github.com/dmitrijs2005/mailarchiver/internal/logging"
)

const (
	DefaultMaxAttempts = 5
	DefaultWorkers     = 4
	retryBaseDelay     = 5 * time.Second
	retryMaxDelay      = 5 * time.Minute
)

// Handler processes the body of one job.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer dispatches jobs from the work queue to handlers by job name.
// Every delivery is acknowledged only after its handler returns. Failed jobs
// are retried with exponential backoff and dead-lettered once MaxAttempts is
// reached; jobs that can never succeed are dead-lettered at once.
type Consumer struct {
	ch          consumeChannel
	publisher   *Publisher
	handlers    map[string]Handler
	logger      logging.Logger
	workers     int
	maxAttempts int
}

type ConsumerOption func(*Consumer)

// WithWorkers sets how many deliveries are processed concurrently.
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMaxAttempts sets how many times a job runs before it is dead-lettered.
func WithMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func NewConsumer(ch consumeChannel, publisher *Publisher, logger logging.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:          ch,
		publisher:   publisher,
		handlers:    map[string]Handler{},
		logger:      logger.With("module", "queue"),
		workers:     DefaultWorkers,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register binds a handler to a job name. Call before Run.
func (c *Consumer) Register(job string, h Handler) {
	c.handlers[job] = h
}

// Run consumes the work queue until ctx is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(c.workers, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	msgs, err := c.ch.Consume(IndexingQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	c.logger.Info(ctx, "consuming", "queue", IndexingQueue, "workers", c.workers)

	var wg sync.WaitGroup
	for range c.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					c.process(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	h, ok := c.handlers[d.Type]
	if !ok {
		c.logger.Error(ctx, "dead-lettering job", "job", d.Type, "messageId", d.MessageId, "error", common.ErrUnknownJob)
		c.nack(ctx, d, false)
		return
	}

	err := h.Handle(ctx, d.Body)
	if err == nil {
		if aerr := d.Ack(false); aerr != nil {
			c.logger.Error(ctx, "ack failed", "messageId", d.MessageId, "error", aerr)
		}
		return
	}

	if errors.Is(err, ErrInvalidMessage) {
		c.logger.Error(ctx, "dead-lettering invalid job", "job", d.Type, "messageId", d.MessageId, "error", err)
		c.nack(ctx, d, false)
		return
	}

	attempt := attemptOf(d) + 1
	if attempt >= c.maxAttempts {
		c.logger.Error(ctx, "job failed permanently", "job", d.Type, "messageId", d.MessageId, "attempts", attempt, "error", err)
		c.nack(ctx, d, false)
		return
	}

	delay := backoff(attempt)
	c.logger.Warn(ctx, "job failed, scheduling retry", "job", d.Type, "messageId", d.MessageId,
		"attempt", attempt, "delay", delay, "error", err)
	if perr := c.publisher.retry(ctx, d, attempt, delay); perr != nil {
		c.logger.Error(ctx, "retry publish failed, requeueing", "messageId", d.MessageId, "error", perr)
		c.nack(ctx, d, true)
		return
	}
	if aerr := d.Ack(false); aerr != nil {
		c.logger.Error(ctx, "ack failed", "messageId", d.MessageId, "error", aerr)
	}
}

func (c *Consumer) nack(ctx context.Context, d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error(ctx, "nack failed", "messageId", d.MessageId, "error", err)
	}
}

// backoff returns the delay before the given retry attempt (1-based).
func backoff(attempt int) time.Duration {
	d := retryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= retryMaxDelay {
			return retryMaxDelay
		}
	}
	return d
}

func attemptOf(d amqp.Delivery) int {
	switch v := d.Headers[AttemptHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		return 0
	}
}
