package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Outbound topics.
const (
	TopicPresenceQuery = "who_is_online"
	commandTopicFmt    = "devices/%s/commands"
)

// Command names understood by devices.
const (
	CommandSendNow    = "send_now"
	CommandDeregister = "deregister"
	CommandGo         = "go"
)

// Command is the outbound command payload.
type Command struct {
	Command string     `json:"command"`
	Reason  string     `json:"reason,omitempty"`
	At      *time.Time `json:"at,omitempty"`
}

// Publisher is the broker-facing surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	IsConnected() bool
}

// Dispatcher publishes commands to individual devices and the broadcast
// presence query. It never queues: a down broker link fails the call.
type Dispatcher struct {
	pub     Publisher
	qos     byte
	timeout time.Duration
	nowFn   func() time.Time
}

// NewDispatcher builds a dispatcher publishing at the given QoS.
func NewDispatcher(pub Publisher, qos byte, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{pub: pub, qos: qos, timeout: timeout, nowFn: time.Now}
}

// PublishCommand sends a command to one device and waits for the broker
// acknowledgement. Returns ErrNotConnected when the link is down.
func (d *Dispatcher) PublishCommand(ctx context.Context, deviceID string, cmd Command) error {
	if deviceID == "" {
		return fmt.Errorf("publish command: empty device id")
	}
	if !d.pub.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("publish command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	topic := fmt.Sprintf(commandTopicFmt, deviceID)
	if err := d.pub.Publish(ctx, topic, d.qos, payload); err != nil {
		return err
	}
	log.Debug().Str("deviceId", deviceID).Str("command", cmd.Command).Msg("Published device command")
	return nil
}

// SendNow requests an immediate sensor frame from the device.
func (d *Dispatcher) SendNow(ctx context.Context, deviceID string) error {
	return d.PublishCommand(ctx, deviceID, Command{Command: CommandSendNow})
}

// Deregister returns a device to registration mode, typically on deletion.
func (d *Dispatcher) Deregister(ctx context.Context, deviceID, reason string) error {
	now := d.nowFn().UTC()
	return d.PublishCommand(ctx, deviceID, Command{Command: CommandDeregister, Reason: reason, At: &now})
}

// Approve releases a device out of registration mode after an operator
// accepts it.
func (d *Dispatcher) Approve(ctx context.Context, deviceID string) error {
	return d.PublishCommand(ctx, deviceID, Command{Command: CommandGo})
}

// QueryPresence publishes the broadcast liveness query all devices answer
// on the presence response topic.
func (d *Dispatcher) QueryPresence(ctx context.Context) error {
	if !d.pub.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return d.pub.Publish(ctx, TopicPresenceQuery, d.qos, []byte("{}"))
}
