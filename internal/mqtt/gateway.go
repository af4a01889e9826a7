package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dwestall/aquawatch/internal/metrics"
	"github.com/dwestall/aquawatch/internal/models"
	"github.com/dwestall/aquawatch/internal/store"
)

// Inbound topics.
const (
	TopicData             = "devices/+/data"
	TopicRegister         = "devices/+/register"
	TopicPresence         = "devices/+/presence"
	TopicPresenceResponse = "presence/response"
)

// Subscriber is the broker-facing surface the gateway needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
}

// DeviceRegistrar is the store surface for device registration lookups.
type DeviceRegistrar interface {
	GetDeviceByID(ctx context.Context, id string) (*models.Device, error)
	UpsertDeviceOnRegistration(ctx context.Context, reg store.Registration) (*models.Device, bool, error)
}

// Ingestor accepts validated readings for per-device serialized processing.
// Enqueue reports false when the device's slot queue is full.
type Ingestor interface {
	Enqueue(reading *models.SensorReading) bool
}

// PresenceSink receives liveness signals.
type PresenceSink interface {
	Signal(deviceID string, at time.Time)
}

// StatusBroadcaster pushes device status events to connected clients.
type StatusBroadcaster interface {
	BroadcastDeviceStatus(ev models.DeviceStatusEvent)
}

// Gateway subscribes to the device topics and routes each message to the
// right component. Handler panics are contained per message so a poison
// payload never kills a subscription.
type Gateway struct {
	sub       Subscriber
	devices   DeviceRegistrar
	ingestor  Ingestor
	presence  PresenceSink
	broadcast StatusBroadcaster

	qos       byte
	opTimeout time.Duration
	nowFn     func() time.Time
}

// NewGateway wires the gateway. Start must be called after the broker
// connection is up.
func NewGateway(sub Subscriber, devices DeviceRegistrar, ingestor Ingestor, presence PresenceSink, broadcast StatusBroadcaster, qos byte, opTimeout time.Duration) *Gateway {
	if opTimeout <= 0 {
		opTimeout = 3 * time.Second
	}
	return &Gateway{
		sub:       sub,
		devices:   devices,
		ingestor:  ingestor,
		presence:  presence,
		broadcast: broadcast,
		qos:       qos,
		opTimeout: opTimeout,
		nowFn:     time.Now,
	}
}

// Start subscribes to all inbound device topics.
func (g *Gateway) Start() error {
	subs := []struct {
		topic   string
		handler paho.MessageHandler
	}{
		{TopicData, g.guarded(g.handleData)},
		{TopicRegister, g.guarded(g.handleRegister)},
		{TopicPresence, g.guarded(g.handlePresence)},
		{TopicPresenceResponse, g.guarded(g.handlePresenceResponse)},
	}
	for _, s := range subs {
		if err := g.sub.Subscribe(s.topic, g.qos, s.handler); err != nil {
			return err
		}
		log.Info().Str("topic", s.topic).Msg("Subscribed to MQTT topic")
	}
	return nil
}

// guarded wraps a handler with panic recovery and payload-preview logging.
func (g *Gateway) guarded(fn func(topic string, payload []byte)) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("topic", msg.Topic()).
					Str("payload", payloadPreview(msg.Payload())).
					Msg("Panic in MQTT message handler")
			}
		}()
		fn(msg.Topic(), msg.Payload())
	}
}

func (g *Gateway) handleData(topic string, payload []byte) {
	deviceID := deviceIDFromTopic(topic)
	if deviceID == "" {
		g.dropFrame(topic, payload, DropMalformed, "missing device id in topic")
		return
	}

	reading, declaredName, err := ParseSensorFrame(deviceID, payload, g.nowFn())
	if err != nil {
		var fe *FrameError
		reason := DropMalformed
		detail := err.Error()
		if errors.As(err, &fe) {
			reason = fe.Reason
			detail = fe.Detail
		}
		g.dropFrame(topic, payload, reason, detail)
		return
	}

	if err := g.ensureDevice(deviceID, declaredName); err != nil {
		g.dropFrame(topic, payload, DropMalformed, "synthetic registration failed: "+err.Error())
		return
	}

	if !g.ingestor.Enqueue(reading) {
		g.dropFrame(topic, payload, DropOverflow, "ingest slot queue full")
	}
}

// ensureDevice synthesizes a registration for a device whose first message
// is a data frame. The device stays Offline until a presence signal.
func (g *Gateway) ensureDevice(deviceID, declaredName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	_, err := g.devices.GetDeviceByID(ctx, deviceID)
	if err == nil {
		return nil
	}
	if !store.IsNotFound(err) {
		return err
	}

	device, created, err := g.devices.UpsertDeviceOnRegistration(ctx, store.Registration{
		DeviceID: deviceID,
		Name:     declaredName,
	})
	if err != nil {
		return err
	}
	if created {
		log.Info().Str("deviceId", deviceID).Msg("Auto-registered device from first data frame")
		g.broadcast.BroadcastDeviceStatus(models.DeviceStatusEvent{
			DeviceID: device.ID,
			Name:     device.Name,
			Status:   device.Status,
			LastSeen: device.LastSeen,
		})
	}
	return nil
}

type registrationPayload struct {
	Name     string           `json:"name"`
	Type     string           `json:"type"`
	Firmware string           `json:"firmware"`
	MAC      string           `json:"mac"`
	IP       string           `json:"ip"`
	Sensors  []string         `json:"sensors"`
	Location *models.Location `json:"location"`
}

func (g *Gateway) handleRegister(topic string, payload []byte) {
	deviceID := deviceIDFromTopic(topic)
	if deviceID == "" {
		log.Warn().Str("topic", topic).Msg("Registration on malformed topic")
		return
	}

	var reg registrationPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &reg); err != nil {
			log.Warn().Err(err).
				Str("deviceId", deviceID).
				Str("payload", payloadPreview(payload)).
				Msg("Malformed registration payload")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.opTimeout)
	defer cancel()

	device, created, err := g.devices.UpsertDeviceOnRegistration(ctx, store.Registration{
		DeviceID: deviceID,
		Name:     reg.Name,
		Type:     reg.Type,
		Firmware: reg.Firmware,
		MAC:      reg.MAC,
		IP:       reg.IP,
		Sensors:  reg.Sensors,
		Location: reg.Location,
	})
	if err != nil {
		log.Error().Err(err).Str("deviceId", deviceID).Msg("Failed to store device registration")
		return
	}

	log.Info().
		Str("deviceId", deviceID).
		Bool("created", created).
		Msg("Device registration processed")

	if created {
		g.broadcast.BroadcastDeviceStatus(models.DeviceStatusEvent{
			DeviceID: device.ID,
			Name:     device.Name,
			Status:   device.Status,
			LastSeen: device.LastSeen,
		})
	}
}

func (g *Gateway) handlePresence(topic string, _ []byte) {
	deviceID := deviceIDFromTopic(topic)
	if deviceID == "" {
		log.Warn().Str("topic", topic).Msg("Presence on malformed topic")
		return
	}
	g.presence.Signal(deviceID, g.nowFn())
}

func (g *Gateway) handlePresenceResponse(_ string, payload []byte) {
	var body struct {
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.DeviceID == "" {
		log.Warn().
			Str("payload", payloadPreview(payload)).
			Msg("Malformed presence response")
		return
	}
	g.presence.Signal(body.DeviceID, g.nowFn())
}

func (g *Gateway) dropFrame(topic string, payload []byte, reason, detail string) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	log.Warn().
		Str("topic", topic).
		Str("reason", reason).
		Str("detail", detail).
		Str("payload", payloadPreview(payload)).
		Msg("Dropped sensor frame")
}

// deviceIDFromTopic extracts the id segment from devices/<id>/... topics.
func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[0] != "devices" {
		return ""
	}
	return parts[1]
}
