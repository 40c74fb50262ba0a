// Package embedding computes memory embeddings out of band. Requests arrive
// as embedding-generation-requested events, wait in a three-tier priority
// queue and are processed by background workers with bounded retries.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cexll/eliza-go/pkg/event"
	"github.com/cexll/eliza-go/pkg/memory"
	"github.com/cexll/eliza-go/pkg/model"
	"github.com/cexll/eliza-go/pkg/plugin"
	"github.com/cexll/eliza-go/pkg/telemetry"
)

// ServiceName is the name the service registers under.
const ServiceName = "embedding-generation"

const (
	defaultMaxQueueSize = 1000
	defaultMaxRetries   = 3
	defaultConcurrency  = 1
)

var (
	// ErrServiceStopped reports work submitted to a stopped service.
	ErrServiceStopped = errors.New("embedding: service stopped")
	// ErrQueueFull reports a job turned away because only higher-priority
	// work is queued.
	ErrQueueFull = errors.New("embedding: queue full")
)

// Options configures a Service.
type Options struct {
	// MaxQueueSize bounds queued jobs, retries included. When full the
	// oldest job of the lowest tier not above the incoming one is evicted.
	MaxQueueSize int
	// Concurrency is the number of workers.
	Concurrency int
	// DefaultMaxRetries is the attempt budget when a request sets none.
	DefaultMaxRetries int
	// RetryBackoff builds a per-job delay policy. Nil retries immediately.
	RetryBackoff func() backoff.BackOff
	Logger       *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = defaultMaxQueueSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	if o.DefaultMaxRetries <= 0 {
		o.DefaultMaxRetries = defaultMaxRetries
	}
	return o
}

// ExponentialBackoff is a RetryBackoff with jittered exponential delays.
func ExponentialBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return b
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Enabled   bool   `json:"enabled"`
	High      int    `json:"high"`
	Normal    int    `json:"normal"`
	Low       int    `json:"low"`
	InFlight  int    `json:"in_flight"`
	Processed uint64 `json:"processed"`
	Failed    uint64 `json:"failed"`
	Retried   uint64 `json:"retried"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`
}

// Service is the embedding generation worker. It implements plugin.Service.
type Service struct {
	opts   Options
	base   zerolog.Logger
	logger zerolog.Logger

	mu          sync.Mutex
	rt          plugin.Runtime
	queue       queue
	seq         uint64
	running     bool
	stopping    bool
	enabled     bool
	inFlight    int
	delayedHigh int
	stats       Stats
	unsubscribe func()
	cancel      context.CancelFunc
	wake        chan struct{}
	wg          sync.WaitGroup
	now         func() time.Time
	after       func(time.Duration, func())
}

var _ plugin.Service = (*Service)(nil)

// New builds a stopped service.
func New(opts Options) *Service {
	opts = opts.withDefaults()
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	base := logger.With().Str("service", ServiceName).Logger()
	return &Service{
		opts:   opts,
		base:   base,
		logger: base,
		wake:   make(chan struct{}, 1),
		now:    time.Now,
		after:  func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Name implements plugin.Service.
func (s *Service) Name() string { return ServiceName }

// Start subscribes to embedding requests for rt's agent and launches the
// workers. Without a TEXT_EMBEDDING model the service stays disabled and
// never queues anything.
func (s *Service) Start(ctx context.Context, rt plugin.Runtime) error {
	if rt == nil {
		return errors.New("embedding: runtime is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.rt = rt
	s.running = true
	s.stopping = false
	s.logger = s.base.With().Str("agent_id", rt.AgentID().String()).Logger()
	if !rt.HasModel(model.TypeTextEmbedding) {
		s.enabled = false
		s.logger.Info().Msg("no embedding model registered; embedding generation disabled")
		return nil
	}

	agentID := rt.AgentID()
	unsub, err := event.Subscribe(rt.Bus(), event.EventEmbeddingRequested, func(ctx context.Context, evt event.Event, data event.EmbeddingRequestedData) {
		if evt.AgentID != agentID {
			return
		}
		err := s.Enqueue(data)
		switch {
		case err == nil:
		case errors.Is(err, ErrQueueFull):
			s.logger.Warn().Str("memory_id", data.Memory.ID.String()).Str("priority", string(data.Priority)).Msg("queue full; rejected request")
			s.emit(ctx, event.EventEmbeddingFailed, event.EmbeddingFailedData{
				Memory: data.Memory.Clone(),
				Source: data.Source,
				Error:  err.Error(),
			})
		default:
			s.logger.Debug().Err(err).Msg("embedding request rejected")
		}
	})
	if err != nil {
		s.running = false
		return fmt.Errorf("embedding: subscribe: %w", err)
	}
	s.enabled = true
	s.unsubscribe = unsub

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for i := 0; i < s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.worker(workerCtx)
	}
	s.logger.Info().Int("workers", s.opts.Concurrency).Msg("embedding generation started")
	return nil
}

// Enabled reports whether the service accepts work.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Enqueue adds a request without blocking on the model. Memories that
// already carry an embedding are dropped silently.
func (s *Service) Enqueue(data event.EmbeddingRequestedData) error {
	if data.Memory == nil {
		return errors.New("embedding: memory is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || !s.running || s.stopping {
		return ErrServiceStopped
	}
	if data.Memory.HasEmbedding() {
		s.stats.Skipped++
		return nil
	}
	maxRetries := data.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.opts.DefaultMaxRetries
	}
	j := &job{
		mem:        data.Memory.Clone(),
		tier:       tierOf(data.Priority),
		source:     data.Source,
		maxRetries: maxRetries,
		enqueuedAt: s.now(),
	}
	if s.opts.RetryBackoff != nil {
		j.backoff = s.opts.RetryBackoff()
	}
	s.seq++
	j.seq = s.seq
	if !s.admit(j) {
		return fmt.Errorf("%w (%d)", ErrQueueFull, s.opts.MaxQueueSize)
	}
	s.signal()
	return nil
}

// admit queues j, first evicting the oldest job of the lowest tier not above
// j's when the queue is full. It reports false, queueing nothing, when only
// higher-priority work is waiting. The caller holds s.mu.
func (s *Service) admit(j *job) bool {
	if s.queue.len() >= s.opts.MaxQueueSize {
		s.stats.Dropped++
		evicted, ok := s.queue.evictFor(j.tier)
		if !ok {
			return false
		}
		s.logger.Warn().Str("memory_id", evicted.mem.ID.String()).Str("priority", string(evicted.tier.priority())).Msg("queue full; evicted oldest job")
	}
	s.queue.push(j)
	return true
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueueSize returns the number of queued jobs.
func (s *Service) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// Stats returns counters and per-tier sizes.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Enabled = s.enabled
	st.High = s.queue.size(tierHigh)
	st.Normal = s.queue.size(tierNormal)
	st.Low = s.queue.size(tierLow)
	st.InFlight = s.inFlight
	return st
}

// Stop unsubscribes, discards queued normal and low work and waits for
// in-flight and queued high-priority jobs to finish. If ctx ends first the
// workers are cancelled and ctx.Err is returned.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopping = true
	dropped := s.queue.dropBelowHigh()
	s.stats.Dropped += uint64(dropped)
	unsub, cancel := s.unsubscribe, s.cancel
	s.unsubscribe, s.cancel = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel == nil {
		s.finishStop()
		return nil
	}
	if dropped > 0 {
		s.logger.Info().Int("dropped", dropped).Msg("discarded queued normal/low embeddings on stop")
	}
	s.signal()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		cancel()
		<-done
	}
	cancel()
	s.finishStop()
	return err
}

func (s *Service) finishStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
	s.stopping = false
	s.queue = queue{}
	s.delayedHigh = 0
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		j, ok := s.next(ctx)
		if !ok {
			return
		}
		s.process(ctx, j)
	}
}

// next blocks until a job is available. While stopping it returns false
// once no high-priority work remains.
func (s *Service) next(ctx context.Context) (*job, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		s.mu.Lock()
		if s.stopping && s.queue.size(tierHigh) == 0 && s.delayedHigh == 0 {
			s.mu.Unlock()
			s.signal()
			return nil, false
		}
		if j, ok := s.queue.pop(); ok {
			s.inFlight++
			more := s.queue.len() > 0
			s.mu.Unlock()
			if more {
				s.signal()
			}
			return j, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-s.wake:
		}
	}
}

func (s *Service) process(ctx context.Context, j *job) {
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()
	text := j.mem.Text()
	if text == "" {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		return
	}

	spanCtx, span := telemetry.StartSpan(ctx, "embedding.process")
	span.SetAttributes(
		attribute.String("memory.id", j.mem.ID.String()),
		attribute.String("embedding.priority", string(j.tier.priority())),
		attribute.Int("embedding.attempt", j.attempts+1),
	)
	started := s.now()
	j.attempts++
	vec, err := s.rt.Embed(spanCtx, text)
	if err == nil {
		err = s.writeBack(spanCtx, j, vec)
	}
	telemetry.EndSpan(span, err)

	if err == nil {
		s.mu.Lock()
		s.stats.Processed++
		s.mu.Unlock()
		done := j.mem.Clone()
		done.Embedding = vec
		s.emit(ctx, event.EventEmbeddingCompleted, event.EmbeddingCompletedData{
			Memory:   done,
			Source:   j.source,
			Attempts: j.attempts,
			Duration: s.now().Sub(started),
		})
		return
	}
	if errors.Is(err, errMemoryGone) {
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		return
	}
	j.lastErr = err
	if ctx.Err() != nil {
		s.mu.Lock()
		s.stats.Dropped++
		s.mu.Unlock()
		return
	}
	s.retry(ctx, j)
}

var errMemoryGone = errors.New("embedding: memory no longer exists")

func (s *Service) writeBack(ctx context.Context, j *job, vec []float32) error {
	ok, err := s.rt.Store().UpdateMemory(ctx, memory.Update{ID: j.mem.ID, Embedding: vec})
	if err != nil {
		return fmt.Errorf("embedding: update memory: %w", err)
	}
	if !ok {
		return errMemoryGone
	}
	return nil
}

// retry requeues j at its tier or reports a permanent failure once the
// attempt budget is spent.
func (s *Service) retry(ctx context.Context, j *job) {
	delay := time.Duration(0)
	exhausted := j.attempts >= j.maxRetries
	if !exhausted && j.backoff != nil {
		if delay = j.backoff.NextBackOff(); delay == backoff.Stop {
			exhausted = true
		}
	}

	s.mu.Lock()
	if !exhausted && s.stopping && j.tier != tierHigh {
		s.stats.Dropped++
		s.mu.Unlock()
		return
	}
	if exhausted {
		s.stats.Failed++
		s.mu.Unlock()
		s.logger.Warn().Err(j.lastErr).Str("memory_id", j.mem.ID.String()).Int("attempts", j.attempts).Msg("embedding failed permanently")
		s.emit(ctx, event.EventEmbeddingFailed, event.EmbeddingFailedData{
			Memory:   j.mem.Clone(),
			Source:   j.source,
			Error:    j.lastErr.Error(),
			Attempts: j.attempts,
		})
		return
	}
	s.stats.Retried++
	if delay <= 0 || s.stopping {
		admitted := s.admit(j)
		s.mu.Unlock()
		if !admitted {
			s.dropRetry(ctx, j)
		}
		s.signal()
		return
	}
	if j.tier == tierHigh {
		s.delayedHigh++
	}
	s.mu.Unlock()
	s.after(delay, func() { s.requeue(j) })
}

func (s *Service) requeue(j *job) {
	s.mu.Lock()
	if j.tier == tierHigh && s.delayedHigh > 0 {
		s.delayedHigh--
	}
	if (s.stopping && j.tier != tierHigh) || (!s.running && !s.stopping) {
		s.stats.Dropped++
		s.mu.Unlock()
		s.signal()
		return
	}
	admitted := s.admit(j)
	s.mu.Unlock()
	if !admitted {
		s.dropRetry(context.Background(), j)
	}
	s.signal()
}

// dropRetry ends a job whose retry found the queue full of higher-priority
// work. It is reported like any other permanent failure.
func (s *Service) dropRetry(ctx context.Context, j *job) {
	s.logger.Warn().Err(j.lastErr).Str("memory_id", j.mem.ID.String()).Int("attempts", j.attempts).Msg("queue full; dropped retry")
	s.emit(ctx, event.EventEmbeddingFailed, event.EmbeddingFailedData{
		Memory:   j.mem.Clone(),
		Source:   j.source,
		Error:    fmt.Sprintf("%v (%d) after %d attempts: %v", ErrQueueFull, s.opts.MaxQueueSize, j.attempts, j.lastErr),
		Attempts: j.attempts,
	})
}

func (s *Service) emit(ctx context.Context, typ event.EventType, data any) {
	bus := s.rt.Bus()
	err := bus.Emit(context.WithoutCancel(ctx), event.NewEvent(typ, s.rt.AgentID(), data))
	if err != nil && !errors.Is(err, event.ErrBusClosed) {
		s.logger.Warn().Err(err).Str("event", string(typ)).Msg("emit failed")
	}
}
