// Package ingest persists validated sensor readings and fans them out.
// Frames for one device always land on the same worker slot, so every
// per-device side effect (persist, alert evaluation) is serialized without
// global locks.
package ingest

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dwestall/aquawatch/internal/metrics"
	"github.com/dwestall/aquawatch/internal/models"
	"github.com/dwestall/aquawatch/internal/store"
)

// ReadingStore is the persistence surface the ingestor needs.
type ReadingStore interface {
	AppendSensorReading(ctx context.Context, reading *models.SensorReading) error
	UpdateLastSeenOnly(ctx context.Context, deviceID string, at time.Time) error
}

// Evaluator checks a persisted reading against alert thresholds. Called on
// the device's slot goroutine, so evaluations for one device never race.
type Evaluator interface {
	Evaluate(ctx context.Context, reading *models.SensorReading)
}

// Broadcaster pushes readings to connected clients.
type Broadcaster interface {
	BroadcastSensorData(deviceID string, reading *models.SensorReading)
}

// Transient store failures are retried on this schedule before the frame
// is dropped.
var retrySchedule = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}

// Ingestor routes readings to hashed worker slots.
type Ingestor struct {
	readings  ReadingStore
	evaluator Evaluator
	hub       Broadcaster

	slots     []chan *models.SensorReading
	opTimeout time.Duration

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds an ingestor with the given slot count and per-slot queue
// depth. Start must be called before Enqueue.
func New(readings ReadingStore, evaluator Evaluator, hub Broadcaster, slotCount, queueDepth int, opTimeout time.Duration) *Ingestor {
	if slotCount < 1 {
		slotCount = 16
	}
	if queueDepth < 1 {
		queueDepth = 256
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	slots := make([]chan *models.SensorReading, slotCount)
	for i := range slots {
		slots[i] = make(chan *models.SensorReading, queueDepth)
	}
	return &Ingestor{
		readings:  readings,
		evaluator: evaluator,
		hub:       hub,
		slots:     slots,
		opTimeout: opTimeout,
		done:      make(chan struct{}),
	}
}

// Start launches one worker per slot.
func (i *Ingestor) Start() {
	for idx, slot := range i.slots {
		i.wg.Add(1)
		go i.worker(idx, slot)
	}
	log.Info().Int("slots", len(i.slots)).Msg("Ingest workers started")
}

// Stop halts the workers. Frames still queued are dropped and counted.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		close(i.done)
		i.wg.Wait()

		dropped := 0
		for _, slot := range i.slots {
			dropped += len(slot)
		}
		if dropped > 0 {
			metrics.FramesDropped.WithLabelValues("shutdown").Add(float64(dropped))
			log.Warn().Int("frames", dropped).Msg("Dropped queued frames on shutdown")
		}
		log.Info().Msg("Ingest workers stopped")
	})
}

// Enqueue routes a reading to its device's slot. Returns false when the
// slot queue is full; the caller logs and drops.
func (i *Ingestor) Enqueue(reading *models.SensorReading) bool {
	slot := i.slots[slotFor(reading.DeviceID, len(i.slots))]
	select {
	case slot <- reading:
		return true
	default:
		metrics.FramesDropped.WithLabelValues("queue_overflow").Inc()
		return false
	}
}

// slotFor hashes a device id to a fixed slot index with FNV-1a.
func slotFor(deviceID string, slots int) int {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(slots))
}

func (i *Ingestor) worker(idx int, slot chan *models.SensorReading) {
	defer i.wg.Done()
	for {
		select {
		case reading := <-slot:
			i.process(reading)
		case <-i.done:
			return
		}
	}
}

// process persists the reading, refreshes lastSeen, fans out, and runs
// alert evaluation. A reading never marks the device Online.
func (i *Ingestor) process(reading *models.SensorReading) {
	if err := i.persist(reading); err != nil {
		metrics.FramesDropped.WithLabelValues("store_error").Inc()
		log.Error().Err(err).
			Str("deviceId", reading.DeviceID).
			Msg("Dropped reading after retry exhaustion")
		return
	}
	metrics.FramesIngested.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), i.opTimeout)
	if err := i.readings.UpdateLastSeenOnly(ctx, reading.DeviceID, reading.Timestamp); err != nil {
		log.Warn().Err(err).Str("deviceId", reading.DeviceID).Msg("Failed to refresh lastSeen")
	}
	cancel()

	i.hub.BroadcastSensorData(reading.DeviceID, reading)

	// A frame with any sensor explicitly flagged invalid is suspect as a
	// whole and never reaches threshold evaluation.
	if reading.FlaggedInvalid {
		return
	}

	ctx, cancel = context.WithTimeout(context.Background(), i.opTimeout)
	i.evaluator.Evaluate(ctx, reading)
	cancel()
}

// persist writes the reading, retrying transient store errors on a fixed
// backoff schedule.
func (i *Ingestor) persist(reading *models.SensorReading) error {
	var err error
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), i.opTimeout)
		err = i.readings.AppendSensorReading(ctx, reading)
		cancel()
		if err == nil {
			return nil
		}
		if !store.IsTransient(err) || attempt >= len(retrySchedule) {
			return err
		}
		log.Debug().Err(err).
			Str("deviceId", reading.DeviceID).
			Int("attempt", attempt+1).
			Msg("Retrying reading persist")
		select {
		case <-time.After(retrySchedule[attempt]):
		case <-i.done:
			return err
		}
	}
}
