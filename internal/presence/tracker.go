// Package presence owns the per-device liveness state machine. The server
// polls devices with a broadcast query, marks them Online on presence
// signals, and demotes them to Offline when they go quiet.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dwestall/aquawatch/internal/metrics"
	"github.com/dwestall/aquawatch/internal/models"
	"github.com/dwestall/aquawatch/internal/store"
)

// DeviceStore is the persistence surface the tracker needs.
type DeviceStore interface {
	ListDevices(ctx context.Context, filter store.DeviceFilter) ([]*models.Device, error)
	GetDeviceByID(ctx context.Context, id string) (*models.Device, error)
	UpdateDeviceStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error
	UpdateLastSeenOnly(ctx context.Context, deviceID string, at time.Time) error
}

// Querier publishes the broadcast liveness query.
type Querier interface {
	QueryPresence(ctx context.Context) error
}

// Broadcaster pushes presence events to connected clients.
type Broadcaster interface {
	BroadcastDeviceStatus(ev models.DeviceStatusEvent)
	BroadcastHeartbeat(ev models.HeartbeatEvent)
}

type deviceState struct {
	name     string
	status   models.DeviceStatus
	lastSeen time.Time
}

// Tracker runs the poll/sweep loop and consumes presence signals. All
// per-device state lives behind its mutex; signals and sweeps interleave
// safely and each device changes state at most once per transition cause.
type Tracker struct {
	devices DeviceStore
	querier Querier
	hub     Broadcaster

	pollInterval     time.Duration
	offlineThreshold time.Duration
	opTimeout        time.Duration

	mu    sync.Mutex
	state map[string]*deviceState

	done     chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopOnce sync.Once
	nowFn    func() time.Time
}

// NewTracker builds a tracker. Start must be called to begin polling.
func NewTracker(devices DeviceStore, querier Querier, hub Broadcaster, pollInterval, offlineThreshold, opTimeout time.Duration) *Tracker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if offlineThreshold <= 0 {
		offlineThreshold = 3 * pollInterval
	}
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &Tracker{
		devices:          devices,
		querier:          querier,
		hub:              hub,
		pollInterval:     pollInterval,
		offlineThreshold: offlineThreshold,
		opTimeout:        opTimeout,
		state:            make(map[string]*deviceState),
		done:             make(chan struct{}),
		nowFn:            time.Now,
	}
}

// Start seeds the state map from the store and launches the poll loop.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		log.Warn().Msg("Presence tracker already started")
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if err := t.seed(ctx); err != nil {
		return err
	}

	t.wg.Add(1)
	go t.loop()
	log.Info().
		Dur("pollInterval", t.pollInterval).
		Dur("offlineThreshold", t.offlineThreshold).
		Msg("Presence tracker started")
	return nil
}

// Stop halts the poll loop and waits for it to finish.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		log.Info().Msg("Presence tracker stopped")
	})
}

// seed loads known devices so restarts do not lose liveness context.
// Devices that were Online before the restart are treated as fresh; the
// sweep will demote them if they stay quiet.
func (t *Tracker) seed(ctx context.Context) error {
	devices, err := t.devices.ListDevices(ctx, store.DeviceFilter{})
	if err != nil {
		return err
	}
	now := t.nowFn().UTC()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range devices {
		lastSeen := d.LastSeen
		if d.Status == models.DeviceOnline {
			lastSeen = now
		}
		t.state[d.ID] = &deviceState{name: d.Name, status: d.Status, lastSeen: lastSeen}
	}
	log.Debug().Int("devices", len(devices)).Msg("Presence state seeded")
	return nil
}

func (t *Tracker) loop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	// First poll happens immediately so devices are discovered at startup.
	t.poll()
	for {
		select {
		case <-ticker.C:
			t.poll()
			t.sweep()
		case <-t.done:
			return
		}
	}
}

// poll publishes one who_is_online broadcast.
func (t *Tracker) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), t.opTimeout)
	defer cancel()
	if err := t.querier.QueryPresence(ctx); err != nil {
		log.Warn().Err(err).Msg("Presence poll failed")
	}
}

// Signal records a liveness signal for a device. Maintenance is sticky:
// lastSeen advances but the state does not change until an operator clears
// it.
func (t *Tracker) Signal(deviceID string, at time.Time) {
	at = at.UTC()

	t.mu.Lock()
	st, known := t.state[deviceID]
	if !known {
		t.mu.Unlock()
		st = t.adoptDevice(deviceID)
		if st == nil {
			return
		}
		t.mu.Lock()
	}
	previous := st.status
	st.lastSeen = at
	becameOnline := previous != models.DeviceOnline && previous != models.DeviceMaintenance
	if becameOnline {
		st.status = models.DeviceOnline
	}
	name := st.name
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.opTimeout)
	defer cancel()

	if becameOnline {
		if err := t.devices.UpdateDeviceStatus(ctx, deviceID, models.DeviceOnline); err != nil {
			log.Error().Err(err).Str("deviceId", deviceID).Msg("Failed to persist online transition")
		}
		if err := t.devices.UpdateLastSeenOnly(ctx, deviceID, at); err != nil {
			log.Error().Err(err).Str("deviceId", deviceID).Msg("Failed to persist lastSeen")
		}
		metrics.PresenceTransitions.WithLabelValues(string(models.DeviceOnline)).Inc()
		log.Info().Str("deviceId", deviceID).Str("from", string(previous)).Msg("Device online")
		t.hub.BroadcastDeviceStatus(models.DeviceStatusEvent{
			DeviceID: deviceID,
			Name:     name,
			Status:   models.DeviceOnline,
			LastSeen: at,
		})
	} else {
		if err := t.devices.UpdateLastSeenOnly(ctx, deviceID, at); err != nil {
			log.Error().Err(err).Str("deviceId", deviceID).Msg("Failed to persist lastSeen")
		}
	}

	t.hub.BroadcastHeartbeat(models.HeartbeatEvent{DeviceID: deviceID, LastSeen: at})
}

// adoptDevice pulls an unknown device from the store into the state map.
// Presence from a device the store has never seen is ignored; registration
// is the data path's job.
func (t *Tracker) adoptDevice(deviceID string) *deviceState {
	ctx, cancel := context.WithTimeout(context.Background(), t.opTimeout)
	defer cancel()

	device, err := t.devices.GetDeviceByID(ctx, deviceID)
	if err != nil {
		if store.IsNotFound(err) {
			log.Debug().Str("deviceId", deviceID).Msg("Presence from unregistered device ignored")
		} else {
			log.Error().Err(err).Str("deviceId", deviceID).Msg("Failed to look up device for presence")
		}
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.state[deviceID]; ok {
		return st
	}
	st := &deviceState{name: device.Name, status: device.Status, lastSeen: device.LastSeen}
	t.state[deviceID] = st
	return st
}

// sweep demotes Online devices whose last presence signal is older than the
// offline threshold. Each demotion emits exactly one status event.
func (t *Tracker) sweep() {
	now := t.nowFn().UTC()
	cutoff := now.Add(-t.offlineThreshold)

	type demotion struct {
		deviceID string
		name     string
		lastSeen time.Time
	}
	var demotions []demotion

	t.mu.Lock()
	for id, st := range t.state {
		if st.status == models.DeviceOnline && st.lastSeen.Before(cutoff) {
			st.status = models.DeviceOffline
			demotions = append(demotions, demotion{deviceID: id, name: st.name, lastSeen: st.lastSeen})
		}
	}
	t.mu.Unlock()

	for _, d := range demotions {
		ctx, cancel := context.WithTimeout(context.Background(), t.opTimeout)
		if err := t.devices.UpdateDeviceStatus(ctx, d.deviceID, models.DeviceOffline); err != nil {
			log.Error().Err(err).Str("deviceId", d.deviceID).Msg("Failed to persist offline transition")
		}
		cancel()
		metrics.PresenceTransitions.WithLabelValues(string(models.DeviceOffline)).Inc()
		log.Info().
			Str("deviceId", d.deviceID).
			Time("lastSeen", d.lastSeen).
			Msg("Device offline")
		t.hub.BroadcastDeviceStatus(models.DeviceStatusEvent{
			DeviceID: d.deviceID,
			Name:     d.name,
			Status:   models.DeviceOffline,
			LastSeen: d.lastSeen,
		})
	}
}

// SetStatus applies an operator-initiated status change, including entering
// and leaving Maintenance. Leaving Maintenance lands on Offline; the next
// presence signal promotes the device.
func (t *Tracker) SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	if err := t.devices.UpdateDeviceStatus(ctx, deviceID, status); err != nil {
		return err
	}

	t.mu.Lock()
	st, ok := t.state[deviceID]
	if !ok {
		st = &deviceState{}
		t.state[deviceID] = st
	}
	st.status = status
	name := st.name
	lastSeen := st.lastSeen
	t.mu.Unlock()

	metrics.PresenceTransitions.WithLabelValues(string(status)).Inc()
	log.Info().Str("deviceId", deviceID).Str("status", string(status)).Msg("Device status set by operator")
	t.hub.BroadcastDeviceStatus(models.DeviceStatusEvent{
		DeviceID: deviceID,
		Name:     name,
		Status:   status,
		LastSeen: lastSeen,
	})
	return nil
}

// Track registers a newly created device with the state machine.
func (t *Tracker) Track(device *models.Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.state[device.ID]; !ok {
		t.state[device.ID] = &deviceState{
			name:     device.Name,
			status:   device.Status,
			lastSeen: device.LastSeen,
		}
	}
}
