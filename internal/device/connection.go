package device

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

// Client is the subset of the paho client a Connection uses. mqtt.Client
// satisfies it.
type Client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

var (
	pushAllRequest = mustJSON(map[string]any{
		"pushing": map[string]string{"sequence_id": "0", "command": "pushall"},
	})
	stopRequest = mustJSON(map[string]any{
		"print": map[string]string{"sequence_id": "0", "command": "stop", "param": ""},
	})
)

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func reportTopic(serial string) string  { return "device/" + serial + "/report" }
func requestTopic(serial string) string { return "device/" + serial + "/request" }

// Connection is the telemetry session to one device. Reports are merged
// into the last snapshot and published on the fleet's telemetry channel.
type Connection struct {
	name   string
	serial string
	client Client
	out    chan<- types.Telemetry
	clock  clock.Clock
	logger *slog.Logger
	onDrop func(device string)

	mu       sync.Mutex
	last     types.Telemetry
	received bool
}

func newConnection(name, serial string, out chan<- types.Telemetry, clk clock.Clock, logger *slog.Logger, onDrop func(string)) *Connection {
	return &Connection{
		name:   name,
		serial: serial,
		out:    out,
		clock:  clk,
		logger: logger.With("device", name),
		onDrop: onDrop,
		last:   types.Telemetry{Device: name, State: types.RunUnknown, ActiveSpool: -1},
	}
}

// Name returns the device name.
func (c *Connection) Name() string { return c.name }

// Serial returns the vendor device id the session is bound to.
func (c *Connection) Serial() string { return c.serial }

// Connected reports whether the underlying session is up.
func (c *Connection) Connected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Status returns the classified run state of the latest snapshot.
func (c *Connection) Status() types.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.received {
		return types.RunUnknown
	}
	return c.last.State
}

// Snapshot returns a copy of the latest merged telemetry. ok is false until
// the first report arrives.
func (c *Connection) Snapshot() (types.Telemetry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.last
	snap.SpoolColors = append([]string(nil), c.last.SpoolColors...)
	return snap, c.received
}

// Cancel asks the device to stop its current print. The publish is QoS 0
// and is not awaited; the effect shows up in a later report.
func (c *Connection) Cancel() error {
	if !c.Connected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, c.name)
	}
	c.client.Publish(requestTopic(c.serial), 0, false, stopRequest)
	c.logger.Info("Cancel requested", "serial", c.serial)
	return nil
}

// onConnect runs after every (re)connect: subscribe to reports and ask for
// a full state push.
func (c *Connection) onConnect() {
	c.logger.Info("Telemetry session connected", "serial", c.serial)
	token := c.client.Subscribe(reportTopic(c.serial), 0, func(_ mqtt.Client, msg mqtt.Message) {
		c.handleReport(msg.Payload())
	})
	go func() {
		if token.WaitTimeout(10*time.Second) && token.Error() != nil {
			c.logger.Error("Subscribe failed", "topic", reportTopic(c.serial), "error", token.Error())
		}
	}()
	c.client.Publish(requestTopic(c.serial), 0, false, pushAllRequest)
}

func (c *Connection) onConnectionLost(err error) {
	c.logger.Warn("Telemetry session lost", "serial", c.serial, "error", err)
}

// handleReport merges one report and publishes the new snapshot. The send
// never blocks: when the channel is full the snapshot is dropped and the
// next report carries the merged state anyway.
func (c *Connection) handleReport(payload []byte) {
	c.mu.Lock()
	next, ok, err := merge(c.last, payload, c.clock.Now())
	if err != nil {
		c.mu.Unlock()
		c.logger.Warn("Dropping malformed report", "error", err)
		return
	}
	if !ok {
		c.mu.Unlock()
		return
	}
	next.Device = c.name
	c.last = next
	c.received = true
	snap := next
	snap.SpoolColors = append([]string(nil), next.SpoolColors...)
	c.mu.Unlock()

	c.logger.Debug("Telemetry received", "state", snap.State, "progress", snap.Progress)
	select {
	case c.out <- snap:
	default:
		c.logger.Warn("Telemetry channel full, dropping snapshot")
		if c.onDrop != nil {
			c.onDrop(c.name)
		}
	}
}

func (c *Connection) close() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}
