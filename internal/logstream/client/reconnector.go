// Package client implements the observer side of the log stream: a
// subscription that survives transport failures by reconnecting with
// exponential backoff.
package client

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	v1 "github.com/agentdeck/agentdeck/pkg/api/v1"
)

// State is the reconnector's connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateGivingUp     State = "giving_up"
)

// Conn is one established transport connection. Receive closes when the
// transport disconnects for any reason.
type Conn interface {
	Receive() <-chan *v1.LogEvent
	Close() error
}

// Transport dials the log stream for a topic. The dial must honor ctx for
// the connection-establish timeout.
type Transport interface {
	Dial(ctx context.Context, topic string) (Conn, error)
}

// Options bound every wait in the reconnection protocol.
type Options struct {
	EstablishTimeout time.Duration // abandon a dial that takes longer
	InitialDelay     time.Duration // first backoff delay
	MaxDelay         time.Duration // backoff cap
	MaxAttempts      int           // consecutive failures before giving up
}

// DefaultOptions returns the standard protocol parameters.
func DefaultOptions() Options {
	return Options{
		EstablishTimeout: 5 * time.Second,
		InitialDelay:     time.Second,
		MaxDelay:         10 * time.Second,
		MaxAttempts:      5,
	}
}

// OptionsFromConfig builds reconnection options from the logStream config
// section. Unset fields keep their defaults.
func OptionsFromConfig(cfg config.LogStreamConfig) Options {
	opts := DefaultOptions()
	if cfg.EstablishTimeout > 0 {
		opts.EstablishTimeout = time.Duration(cfg.EstablishTimeout) * time.Second
	}
	if cfg.InitialDelay > 0 {
		opts.InitialDelay = time.Duration(cfg.InitialDelay) * time.Second
	}
	if cfg.MaxDelay > 0 {
		opts.MaxDelay = time.Duration(cfg.MaxDelay) * time.Second
	}
	if cfg.MaxAttempts > 0 {
		opts.MaxAttempts = cfg.MaxAttempts
	}
	return opts
}

// Reconnector keeps one observer attached to a log topic. All reconnection
// state (attempt counter, pending timer, active connection) lives in this one
// record and is cleared together on every transition, so no stray timer or
// duplicate connection can survive a state change.
type Reconnector struct {
	transport Transport
	topic     string
	opts      Options
	events    chan *v1.LogEvent
	logger    *logger.Logger

	mu       sync.Mutex
	state    State
	attempts int
	timer    *time.Timer
	conn     Conn
	closed   bool
}

// NewReconnector creates a reconnector for one topic. Call Connect to attach.
func NewReconnector(transport Transport, topic string, opts Options, log *logger.Logger) *Reconnector {
	if opts.EstablishTimeout <= 0 {
		opts.EstablishTimeout = 5 * time.Second
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Reconnector{
		transport: transport,
		topic:     topic,
		opts:      opts,
		events:    make(chan *v1.LogEvent, 256),
		logger: log.WithFields(
			zap.String("component", "log-reconnector"),
			zap.String("topic", topic)),
		state: StateDisconnected,
	}
}

// Events is the ordered stream of log events across reconnections. Closed by
// Teardown.
func (r *Reconnector) Events() <-chan *v1.LogEvent {
	return r.events
}

// State returns the current connection state.
func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Attempts returns the consecutive-failure counter.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Connect starts the first connection attempt. Safe to call once; use Reset
// to re-initiate after GivingUp.
func (r *Reconnector) Connect() {
	go r.attempt()
}

// Reset clears the failure counter and re-initiates the connection. This is
// the only way out of GivingUp.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.attempts = 0
	if r.state == StateGivingUp {
		r.state = StateDisconnected
	}
	reconnect := r.state == StateDisconnected && r.timer == nil
	r.mu.Unlock()

	if reconnect {
		go r.attempt()
	}
}

// Teardown detaches the observer: cancels any pending retry, closes any open
// connection, and closes the event channel. Idempotent; no reconnection is
// scheduled afterward.
func (r *Reconnector) Teardown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.clearLocked()
	r.state = StateDisconnected
	r.mu.Unlock()

	close(r.events)
	r.logger.Debug("Log stream torn down")
}

// clearLocked resets the owned record: pending timer stopped, open transport
// closed. Caller holds r.mu.
func (r *Reconnector) clearLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

// attempt makes one connection attempt. Any prior transport or pending timer
// is torn down first, so at most one connection and one timer ever exist.
func (r *Reconnector) attempt() {
	r.mu.Lock()
	if r.closed || r.state == StateGivingUp || r.state == StateConnecting {
		r.mu.Unlock()
		return
	}
	r.clearLocked()
	r.state = StateConnecting
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.EstablishTimeout)
	conn, err := r.transport.Dial(ctx, r.topic)
	cancel()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		r.logger.Debug("Connection attempt failed",
			zap.Int("attempts", r.attempts),
			zap.Error(err))
		r.scheduleRetryLocked()
		r.mu.Unlock()
		return
	}

	r.conn = conn
	r.state = StateConnected
	r.attempts = 0
	r.mu.Unlock()

	r.logger.Debug("Log stream connected")
	go r.readLoop(conn)
}

// readLoop forwards events until the connection drops, then schedules the
// reconnection.
func (r *Reconnector) readLoop(conn Conn) {
	for event := range conn.Receive() {
		select {
		case r.events <- event:
		default:
			// Observer is not draining; drop rather than block the stream
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.conn != conn {
		// Torn down, or already superseded by a newer connection
		return
	}
	r.conn = nil
	r.state = StateDisconnected
	r.scheduleRetryLocked()
}

// scheduleRetryLocked arms exactly one retry timer, or gives up once the
// attempt ceiling is reached. Caller holds r.mu.
func (r *Reconnector) scheduleRetryLocked() {
	if r.state == StateConnecting {
		r.state = StateDisconnected
	}

	if r.attempts >= r.opts.MaxAttempts {
		r.state = StateGivingUp
		r.clearLocked()
		r.logger.Warn("Giving up on log stream after repeated failures",
			zap.Int("attempts", r.attempts))
		return
	}

	delay := Backoff(r.attempts, r.opts.InitialDelay, r.opts.MaxDelay)
	r.attempts++

	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.timer = nil
		r.mu.Unlock()
		r.attempt()
	})

	r.logger.Debug("Reconnection scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempts", r.attempts))
}

// Backoff computes the retry delay for a given consecutive-failure count:
// min(initialDelay × 2^attempts, maxDelay).
func Backoff(attempts int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := initialDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
