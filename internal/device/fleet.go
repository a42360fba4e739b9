// ============================================================================
// printwatch device fleet
// ============================================================================
//
// Package: internal/device
// File: fleet.go
// Purpose: Own one telemetry Connection per physical device and fan their
//          snapshots into a single bounded channel.
//
// Lifecycle:
//   1. NewFleet(cfg) - create the fleet and its telemetry channel
//   2. Ensure(devices) - connect devices not yet known, reconnect devices
//      whose serial changed, disconnect devices no longer bound
//   3. Telemetry() - the channel the reconciliation loop consumes
//   4. Cancel(name) - fire-and-forget stop command
//   5. Stop() - disconnect everything; Ensure and Cancel then fail
//
// Concurrency:
//   - paho delivers reports on its own goroutines; each Connection merges
//     under its own mutex and never blocks on the channel
//   - mu guards the connection map and the stopped flag
//   - the telemetry channel is never closed; readers stop on their own
//     shutdown signal
//
// ============================================================================

package device

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/ChuLiYu/printwatch/internal/clock"
	"github.com/ChuLiYu/printwatch/pkg/types"
)

var (
	// ErrUnknownDevice means no connection exists for the device name.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNotConnected means the device's telemetry session is down.
	ErrNotConnected = errors.New("device not connected")
	// ErrFleetStopped is returned after Stop.
	ErrFleetStopped = errors.New("device fleet stopped")
)

// Config configures a Fleet.
type Config struct {
	Broker         string
	ConnectTimeout time.Duration
	ClientIDPrefix string
	Buffer         int
	ConnectWorkers int // concurrent connects in Ensure

	// Credentials is read on every (re)connect.
	Credentials func() (username, password string)
	// OnDrop is called when a snapshot is dropped on a full channel.
	OnDrop func(device string)
	// NewClient builds the MQTT client; nil uses mqtt.NewClient.
	NewClient func(opts *mqtt.ClientOptions) Client

	Clock  clock.Clock
	Logger *slog.Logger
}

// Fleet owns every device Connection.
type Fleet struct {
	cfg       Config
	telemetry chan types.Telemetry
	logger    *slog.Logger

	mu      sync.Mutex
	conns   map[string]*Connection
	stopped bool
}

// NewFleet creates an empty fleet.
func NewFleet(cfg Config) *Fleet {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "device")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ConnectWorkers <= 0 {
		cfg.ConnectWorkers = 4
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "printwatch"
	}
	if cfg.NewClient == nil {
		cfg.NewClient = func(opts *mqtt.ClientOptions) Client { return mqtt.NewClient(opts) }
	}
	return &Fleet{
		cfg:       cfg,
		telemetry: make(chan types.Telemetry, cfg.Buffer),
		logger:    cfg.Logger,
		conns:     make(map[string]*Connection),
	}
}

// Telemetry returns the channel every connection publishes snapshots on.
func (f *Fleet) Telemetry() <-chan types.Telemetry { return f.telemetry }

// Ensure brings the connection set in line with devices (name -> serial).
// A device that fails to connect is left out and retried on the next call.
func (f *Fleet) Ensure(ctx context.Context, devices map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return ErrFleetStopped
	}

	for name, conn := range f.conns {
		serial, ok := devices[name]
		if ok && serial == conn.serial {
			continue
		}
		f.logger.Info("Dropping device connection", "device", name, "serial", conn.serial, "bound", ok)
		conn.close()
		delete(f.conns, name)
	}

	var missing []string
	for _, name := range sortedNames(devices) {
		if _, ok := f.conns[name]; !ok {
			missing = append(missing, name)
		}
	}
	return f.connectAll(ctx, missing, devices)
}

type connectResult struct {
	name string
	conn *Connection
	err  error
}

// connectAll dials names on at most ConnectWorkers goroutines and adds the
// successful connections. Caller holds f.mu.
func (f *Fleet) connectAll(ctx context.Context, names []string, devices map[string]string) error {
	if len(names) == 0 {
		return nil
	}
	workers := min(f.cfg.ConnectWorkers, len(names))

	nameCh := make(chan string, len(names))
	resultCh := make(chan connectResult, len(names))
	for _, name := range names {
		nameCh <- name
	}
	close(nameCh)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for name := range nameCh {
				if err := ctx.Err(); err != nil {
					resultCh <- connectResult{name: name, err: err}
					continue
				}
				conn, err := f.connect(name, devices[name])
				resultCh <- connectResult{name: name, conn: conn, err: err}
			}
		}()
	}
	wg.Wait()
	close(resultCh)

	var errs []error
	for r := range resultCh {
		if r.err != nil {
			if !errors.Is(r.err, ctx.Err()) {
				f.logger.Error("Device connect failed", "device", r.name, "error", r.err)
			}
			errs = append(errs, r.err)
			continue
		}
		f.conns[r.name] = r.conn
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func (f *Fleet) connect(name, serial string) (*Connection, error) {
	conn := newConnection(name, serial, f.telemetry, f.cfg.Clock, f.logger, f.cfg.OnDrop)

	opts := mqtt.NewClientOptions().
		AddBroker(f.cfg.Broker).
		SetClientID(fmt.Sprintf("%s-%s-%s", f.cfg.ClientIDPrefix, serial, uuid.NewString()[:8])).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetConnectTimeout(f.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) { conn.onConnect() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { conn.onConnectionLost(err) })
	if f.cfg.Credentials != nil {
		opts.SetCredentialsProvider(f.cfg.Credentials)
	}
	conn.client = f.cfg.NewClient(opts)

	token := conn.client.Connect()
	if !token.WaitTimeout(f.cfg.ConnectTimeout) {
		// Retries continue in the background; the handler subscribes once up.
		f.logger.Warn("Device still connecting", "device", name, "timeout", f.cfg.ConnectTimeout)
		return conn, nil
	}
	if err := token.Error(); err != nil {
		conn.close()
		return nil, fmt.Errorf("connecting %s: %w", name, err)
	}
	return conn, nil
}

// Cancel issues a stop command to the named device.
func (f *Fleet) Cancel(name string) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return ErrFleetStopped
	}
	conn, ok := f.conns[name]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, name)
	}
	return conn.Cancel()
}

// Connection returns the named device's connection.
func (f *Fleet) Connection(name string) (*Connection, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.conns[name]
	return conn, ok
}

// Names returns the connected device names, sorted.
func (f *Fleet) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.conns))
	for name := range f.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop disconnects every device. Safe to call more than once.
func (f *Fleet) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}
	f.stopped = true
	for name, conn := range f.conns {
		conn.close()
		delete(f.conns, name)
	}
	f.logger.Info("Device fleet stopped")
}

func sortedNames(devices map[string]string) []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
