// Package queue is the job substrate between the importer and the search
// indexer: batches of archived email ids travel over RabbitMQ with manual
// acknowledgement, delayed retries and a dead-letter queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dmitrijs2005/mailarchiver/internal/logging"
)

const (
	IndexingQueue = "indexing"
	RetryQueue    = IndexingQueue + ".retry"
	DeadQueue     = IndexingQueue + ".dead"

	// JobIndexEmailBatch is carried in the message type of every index job.
	JobIndexEmailBatch = "index-email-batch"
)

// Client owns one RabbitMQ connection and channel.
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
	logger  logging.Logger
}

func NewClient(url string, logger logging.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	c := &Client{conn: conn, channel: ch, logger: logger.With("module", "queue")}
	go c.watchClose()
	return c, nil
}

func (c *Client) watchClose() {
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	if err := <-closed; err != nil {
		c.logger.Error(context.Background(), "amqp connection closed", "error", err)
	}
}

// Channel returns the shared channel.
func (c *Client) Channel() *amqp.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// DeclareTopology declares the work queue and its retry and dead-letter
// queues. Rejected jobs go to DeadQueue; jobs parked in RetryQueue return to
// the work queue once their per-message expiration passes.
func (c *Client) DeclareTopology() error {
	ch := c.Channel()
	queues := []struct {
		name string
		args amqp.Table
	}{
		{DeadQueue, nil},
		{IndexingQueue, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DeadQueue,
		}},
		{RetryQueue, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": IndexingQueue,
		}},
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %q: %w", q.name, err)
		}
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}
