// Package writer serializes every durable write through one bounded queue
// drained by a single goroutine, and replays failed writes from the
// retry queue.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Chachamaru127/harness-mem/internal/embedding"
	"github.com/Chachamaru127/harness-mem/internal/models"
	"github.com/Chachamaru127/harness-mem/internal/store"
	"github.com/Chachamaru127/harness-mem/internal/stream"
	"github.com/Chachamaru127/harness-mem/internal/vectorstore"
)

const DefaultQueueDepth = 100

// Committer runs the per-event transaction.
type Committer interface {
	CommitEvent(ctx context.Context, in *store.CommitInput) (*store.CommitResult, error)
}

// RetryStore persists writes that failed.
type RetryStore interface {
	EnqueueRetry(ctx context.Context, eventJSON []byte, reason string, nextRetryAt, now int64) error
	DueRetries(ctx context.Context, now int64, limit int) ([]models.RetryItem, error)
	DeleteRetry(ctx context.Context, id int64) error
	RescheduleRetry(ctx context.Context, id int64, reason string, nextRetryAt int64) error
	DeadLetter(ctx context.Context, item models.RetryItem, reason string, now int64) error
	RetryDepth(ctx context.Context) (int, error)
}

// AcceptOptions tunes a single Accept call.
type AcceptOptions struct {
	// DisableRetry reports failures without writing a retry row. Replays
	// from the retry queue set it so a failing row is not duplicated.
	DisableRetry bool
}

// Outcome reports what happened to an accepted event.
type Outcome struct {
	Stored      bool
	Duplicate   bool
	QueueFull   bool
	RetryQueued bool
	Observation *models.Observation
}

type job struct {
	ctx  context.Context
	name string

	// Event jobs.
	input        *store.CommitInput
	disableRetry bool

	// Auxiliary jobs.
	fn func(ctx context.Context) error

	done chan jobResult
}

type jobResult struct {
	outcome Outcome
	err     error
}

// Config wires the coordinator's collaborators.
type Config struct {
	Committer  Committer
	Retries    RetryStore
	Embedder   embedding.Embedder
	Index      vectorstore.Index
	Publisher  *stream.Publisher
	QueueDepth int
	Logger     *slog.Logger
	Now        func() time.Time
}

// Coordinator owns the write queue.
type Coordinator struct {
	committer Committer
	retries   RetryStore
	embedder  embedding.Embedder
	index     vectorstore.Index
	pub       *stream.Publisher
	logger    *slog.Logger
	now       func() time.Time

	queue  chan *job
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New starts the consumer goroutine.
func New(cfg Config) *Coordinator {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	c := &Coordinator{
		committer: cfg.Committer,
		retries:   cfg.Retries,
		embedder:  cfg.Embedder,
		index:     cfg.Index,
		pub:       cfg.Publisher,
		logger:    logger,
		now:       now,
		queue:     make(chan *job, depth),
	}
	c.wg.Add(1)
	go c.consume()
	return c
}

// QueueDepth returns the number of jobs waiting.
func (c *Coordinator) QueueDepth() int { return len(c.queue) }

// QueueCapacity returns the queue bound.
func (c *Coordinator) QueueCapacity() int { return cap(c.queue) }

// Accept derives, embeds and enqueues an event, then waits for its
// transaction. A full queue is reported in the outcome, not as an error.
// Cancelling ctx stops the wait but not a job already queued.
func (c *Coordinator) Accept(ctx context.Context, ev *models.Event, opts AcceptOptions) (Outcome, error) {
	if c.saturated() {
		c.logger.Warn("write queue full", "event_id", ev.ID, "session_id", ev.SessionID)
		return Outcome{QueueFull: true}, nil
	}

	obs := Derive(ev)
	in := &store.CommitInput{Event: ev, Observation: obs}

	if c.embedder != nil {
		vec, err := c.embedder.Embed(ctx, EmbeddingText(obs))
		if err != nil {
			c.logger.Warn("embedding failed, storing without vector", "event_id", ev.ID, "error", err)
		} else {
			in.Vector = &models.Vector{Model: c.embedder.Model(), Embedding: vec}
		}
	}

	j := &job{
		ctx:          context.WithoutCancel(ctx),
		name:         "event",
		input:        in,
		disableRetry: opts.DisableRetry,
		done:         make(chan jobResult, 1),
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return Outcome{}, models.ErrClosed
	}
	select {
	case c.queue <- j:
		c.mu.RUnlock()
	default:
		c.mu.RUnlock()
		c.logger.Warn("write queue full", "event_id", ev.ID, "session_id", ev.SessionID)
		return Outcome{QueueFull: true}, nil
	}

	select {
	case r := <-j.done:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// saturated reports a full queue before any embedding work is spent. The
// send in Accept stays authoritative.
func (c *Coordinator) saturated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && len(c.queue) >= cap(c.queue)
}

// Do runs fn on the consumer goroutine. It waits for queue space instead
// of failing fast, bounded by ctx.
func (c *Coordinator) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	j := &job{
		ctx:  context.WithoutCancel(ctx),
		name: name,
		fn:   fn,
		done: make(chan jobResult, 1),
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return models.ErrClosed
	}
	select {
	case c.queue <- j:
		c.mu.RUnlock()
	case <-ctx.Done():
		c.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, drains the queue and waits for the consumer.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Coordinator) consume() {
	defer c.wg.Done()
	for j := range c.queue {
		if j.fn != nil {
			err := j.fn(j.ctx)
			if err != nil {
				c.logger.Error("queued write failed", "job", j.name, "error", err)
				err = fmt.Errorf("%w: %s: %v", models.ErrStorage, j.name, err)
			}
			j.done <- jobResult{err: err}
			continue
		}
		outcome, err := c.commit(j)
		j.done <- jobResult{outcome: outcome, err: err}
	}
}

func (c *Coordinator) commit(j *job) (Outcome, error) {
	ctx := j.ctx
	ev := j.input.Event
	j.input.Now = c.now().UnixMilli()

	res, err := c.committer.CommitEvent(ctx, j.input)
	if err != nil {
		c.logger.Error("commit failed", "event_id", ev.ID, "session_id", ev.SessionID, "error", err)
		out := Outcome{}
		if !j.disableRetry {
			out.RetryQueued = c.enqueueRetry(ctx, ev, err)
		}
		return out, fmt.Errorf("%w: commit event %s: %v", models.ErrStorage, ev.ID, err)
	}

	out := Outcome{Stored: !res.Duplicate, Duplicate: res.Duplicate, Observation: res.Observation}
	if res.Duplicate {
		return out, nil
	}

	if c.index != nil && j.input.Vector != nil {
		doc := vectorstore.Doc{
			ObservationID: res.Observation.ID,
			Project:       res.Observation.Project,
			SessionID:     res.Observation.SessionID,
			Private:       res.Observation.Private,
			CreatedAt:     res.Observation.CreatedAt,
			Embedding:     j.input.Vector.Embedding,
		}
		if err := c.index.Upsert(ctx, doc); err != nil {
			c.logger.Warn("vector index update failed", "engine", c.index.Name(),
				"observation_id", res.Observation.ID, "error", err)
		}
	}
	if c.pub != nil {
		c.pub.Publish(models.StreamObservationCreated, StreamPayload(res.Observation))
	}
	return out, nil
}

// StreamPayload is what subscribers see for a new observation. Private
// observations are announced by id only.
func StreamPayload(obs *models.Observation) any {
	if obs.Private {
		return models.ObservationNotice{ID: obs.ID, Private: true, CreatedAt: obs.CreatedAt}
	}
	return obs
}

func (c *Coordinator) enqueueRetry(ctx context.Context, ev *models.Event, cause error) bool {
	if c.retries == nil {
		return false
	}
	data, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("encode retry event", "event_id", ev.ID, "error", err)
		return false
	}
	now := c.now().UnixMilli()
	if err := c.retries.EnqueueRetry(ctx, data, cause.Error(), now, now); err != nil {
		c.logger.Error("enqueue retry failed", "event_id", ev.ID, "error", errors.Join(cause, err))
		return false
	}
	return true
}
