package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dwestall/aquawatch/internal/metrics"
)

// QueueConfig tunes the drain worker.
type QueueConfig struct {
	Size            int
	BatchSize       int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	InterBatchDelay time.Duration
	SendTimeout     time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Size < 1 {
		c.Size = 256
	}
	if c.BatchSize < 1 {
		c.BatchSize = 10
	}
	if c.MaxRetries < 1 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
	if c.InterBatchDelay <= 0 {
		c.InterBatchDelay = time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// Queue is a bounded FIFO of outbound emails with a single drain worker.
// Enqueue never blocks; a full queue drops the message.
type Queue struct {
	cfg    QueueConfig
	sender Sender
	items  chan Message

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewQueue builds the queue. Start must be called to begin draining.
func NewQueue(sender Sender, cfg QueueConfig) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:    cfg,
		sender: sender,
		items:  make(chan Message, cfg.Size),
		done:   make(chan struct{}),
	}
}

// Start launches the drain worker.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.drain()
	log.Info().
		Int("capacity", q.cfg.Size).
		Int("batchSize", q.cfg.BatchSize).
		Msg("Notification queue started")
}

// Stop halts the worker after the in-flight batch. Queued messages are
// dropped and counted.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.done)
		q.wg.Wait()
		if n := len(q.items); n > 0 {
			metrics.EmailsDropped.Add(float64(n))
			log.Warn().Int("messages", n).Msg("Dropped queued emails on shutdown")
		}
		log.Info().Msg("Notification queue stopped")
	})
}

// Enqueue adds a message without blocking. Returns false (and counts the
// drop) when the queue is full.
func (q *Queue) Enqueue(msg Message) bool {
	select {
	case q.items <- msg:
		return true
	default:
		metrics.EmailsDropped.Inc()
		log.Warn().Str("to", msg.To).Str("subject", msg.Subject).Msg("Notification queue full, dropping email")
		return false
	}
}

// Pending reports the number of queued messages. Used by health sampling.
func (q *Queue) Pending() int {
	return len(q.items)
}

// drain sends batches sequentially with a pause between batches to respect
// provider rate caps.
func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		batch := q.nextBatch()
		if batch == nil {
			return
		}
		for _, msg := range batch {
			q.sendWithRetry(msg)
		}
		select {
		case <-time.After(q.cfg.InterBatchDelay):
		case <-q.done:
			return
		}
	}
}

// nextBatch blocks for the first message, then greedily fills the batch
// from what is already queued. Returns nil on shutdown.
func (q *Queue) nextBatch() []Message {
	var batch []Message
	select {
	case msg := <-q.items:
		batch = append(batch, msg)
	case <-q.done:
		return nil
	}
	for len(batch) < q.cfg.BatchSize {
		select {
		case msg := <-q.items:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

// sendWithRetry attempts delivery with exponential backoff. After the last
// attempt the message is dropped and logged.
func (q *Queue) sendWithRetry(msg Message) {
	backoff := q.cfg.BackoffBase
	var err error
	for attempt := 1; attempt <= q.cfg.MaxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.SendTimeout)
		err = q.sender.Send(ctx, msg)
		cancel()
		if err == nil {
			metrics.EmailsSent.Inc()
			log.Debug().Str("to", msg.To).Str("subject", msg.Subject).Msg("Alert email sent")
			return
		}
		if attempt == q.cfg.MaxRetries {
			break
		}
		log.Warn().Err(err).
			Str("to", msg.To).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Email send failed, retrying")
		select {
		case <-time.After(backoff):
		case <-q.done:
			metrics.EmailsDropped.Inc()
			return
		}
		backoff *= 2
		if backoff > q.cfg.BackoffCap {
			backoff = q.cfg.BackoffCap
		}
	}
	metrics.EmailsDropped.Inc()
	log.Error().Err(err).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Int("attempts", q.cfg.MaxRetries).
		Msg("Dropping email after retry exhaustion")
}
