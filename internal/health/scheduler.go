package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dwestall/aquawatch/internal/models"
)

// Broadcaster pushes scheduled samples to connected clients.
type Broadcaster interface {
	BroadcastSystemHealth(health models.SystemHealth)
	BroadcastAnalytics(summary models.AnalyticsSummary)
}

// Scheduler runs the health and analytics broadcast loops on independent
// ticks. A panic in one tick body is contained and the loop continues.
type Scheduler struct {
	collector  *Collector
	summarizer *Summarizer
	hub        Broadcaster

	healthTick    time.Duration
	analyticsTick time.Duration
	opTimeout     time.Duration

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler builds a scheduler. Start launches the loops.
func NewScheduler(collector *Collector, summarizer *Summarizer, hub Broadcaster, healthTick, analyticsTick time.Duration) *Scheduler {
	if healthTick <= 0 {
		healthTick = 10 * time.Second
	}
	if analyticsTick <= 0 {
		analyticsTick = 45 * time.Second
	}
	return &Scheduler{
		collector:     collector,
		summarizer:    summarizer,
		hub:           hub,
		healthTick:    healthTick,
		analyticsTick: analyticsTick,
		opTimeout:     5 * time.Second,
		done:          make(chan struct{}),
	}
}

// Start launches both broadcast loops. Calling Start twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		log.Warn().Msg("Broadcast scheduler already started")
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.loop(s.healthTick, s.broadcastHealth)
	go s.loop(s.analyticsTick, s.broadcastAnalytics)
	log.Info().
		Dur("healthTick", s.healthTick).
		Dur("analyticsTick", s.analyticsTick).
		Msg("Broadcast scheduler started")
}

// Stop halts both loops and waits for them.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		log.Info().Msg("Broadcast scheduler stopped")
	})
}

func (s *Scheduler) loop(tick time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.guarded(fn)
		case <-s.done:
			return
		}
	}
}

// guarded contains panics so one bad tick never kills the loop.
func (s *Scheduler) guarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Panic in broadcast tick")
		}
	}()
	fn()
}

func (s *Scheduler) broadcastHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	health := s.collector.Sample(ctx)
	if health.Overall != StatusOK {
		log.Warn().Str("overall", health.Overall).Msg("Degraded system health")
	}
	s.hub.BroadcastSystemHealth(health)
}

func (s *Scheduler) broadcastAnalytics() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opTimeout)
	defer cancel()
	summary, err := s.summarizer.Summarize(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build analytics summary")
		return
	}
	s.hub.BroadcastAnalytics(summary)
}
