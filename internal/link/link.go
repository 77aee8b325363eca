package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"sitewatch/internal/models"
	"sitewatch/internal/protocol"

	"go.uber.org/zap"
)

// Dialer opens the TCP session to a device (*net.Dialer satisfies it)
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SnapshotHandler receives every decoded pin snapshot of the link. It may
// block to apply back-pressure and must return once ctx is done.
type SnapshotHandler func(ctx context.Context, snap models.PinSnapshot)

// StateListener receives every state transition of the link
type StateListener func(change StateChange)

// StateChange one transition of a link
type StateChange struct {
	Key               models.DeviceKey
	Generation        uint64
	Previous          models.ConnectionState
	State             models.ConnectionState
	ReconnectAttempts int
	LastSeen          time.Time
	At                time.Time
	Err               error
}

// Options link timing
type Options struct {
	ReconnectInterval        time.Duration
	MaxReconnectAttempts     int
	UnreachableBackoffFactor int
	DialTimeout              time.Duration
	HealthCheckInterval      time.Duration
	IdleTimeout              time.Duration

	// Generation tags state changes so the owner can ignore a replaced link
	Generation uint64
	Dialer     Dialer
}

// DefaultOptions production timing
func DefaultOptions() Options {
	return Options{
		ReconnectInterval:        30 * time.Second,
		MaxReconnectAttempts:     5,
		UnreachableBackoffFactor: 2,
		DialTimeout:              10 * time.Second,
		HealthCheckInterval:      60 * time.Second,
		IdleTimeout:              150 * time.Second,
	}
}

func (o *Options) setDefaults() {
	d := DefaultOptions()
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = d.ReconnectInterval
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if o.UnreachableBackoffFactor <= 0 {
		o.UnreachableBackoffFactor = d.UnreachableBackoffFactor
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = d.HealthCheckInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
}

var errIdleTimeout = errors.New("idle timeout")

// Link keeps one persistent TCP session to an I/O box: it connects,
// reassembles inbound frames into snapshots, polls the device periodically
// and reconnects with a bounded retry count before declaring it unreachable.
type Link struct {
	device     models.Device
	opts       Options
	onSnapshot SnapshotHandler
	onState    StateListener
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	state    models.ConnectionState
	attempts int
	lastSeen time.Time
	stats    protocol.ReassemblerStats

	reassembler *protocol.Reassembler // owned by the run goroutine

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a link for device. Nothing happens until Start.
func New(
	device models.Device,
	opts Options,
	onSnapshot SnapshotHandler,
	onState StateListener,
	logger *zap.Logger,
) *Link {
	opts.setDefaults()
	if onSnapshot == nil {
		onSnapshot = func(context.Context, models.PinSnapshot) {}
	}
	if onState == nil {
		onState = func(StateChange) {}
	}
	return &Link{
		device:     device,
		opts:       opts,
		onSnapshot: onSnapshot,
		onState:    onState,
		logger: logger.With(
			zap.String("site_id", device.SiteID),
			zap.String("device_id", device.DeviceID),
			zap.String("addr", device.Addr()),
		),
		now:         time.Now,
		state:       models.StateConnecting,
		reassembler: protocol.NewReassembler(),
		done:        make(chan struct{}),
	}
}

// Device the configured device of the link
func (l *Link) Device() models.Device {
	return l.device
}

// Generation the tag given at construction
func (l *Link) Generation() uint64 {
	return l.opts.Generation
}

// Start launches the connection loop
func (l *Link) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		l.mu.Lock()
		l.cancel = cancel
		l.mu.Unlock()
		go l.run(ctx)
	})
}

// Stop closes the session, cancels pending timers and waits for the loop.
// No state change is reported after Stop returns.
func (l *Link) Stop() {
	l.stopOnce.Do(func() {
		started := true
		l.startOnce.Do(func() { started = false })
		if !started {
			close(l.done)
			return
		}
		l.mu.Lock()
		cancel := l.cancel
		l.mu.Unlock()
		cancel()
	})
	<-l.done
}

// Status current externally visible state
func (l *Link) Status() models.DeviceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return models.DeviceStatus{
		Device:            l.device,
		State:             l.state,
		ReconnectAttempts: l.attempts,
		LastSeen:          l.lastSeen,
	}
}

// Stats reassembler counters accumulated over all sessions
func (l *Link) Stats() protocol.ReassemblerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Link) run(ctx context.Context) {
	defer close(l.done)

	l.notify(models.StateConnecting, models.StateConnecting, nil)

	for {
		conn, err := l.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}

		if err != nil {
			if !l.sleep(ctx, l.connectFailed(err)) {
				return
			}
			continue
		}

		l.connected()
		err = l.serve(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}

		l.logger.Warn("IOBox session closed", zap.Error(err))
		l.setState(models.StateDown, err)
		if !l.sleep(ctx, l.opts.ReconnectInterval) {
			return
		}
	}
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, l.opts.DialTimeout)
	defer cancel()
	conn, err := l.opts.Dialer.DialContext(dctx, "tcp", l.device.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", l.device.Addr(), err)
	}
	return conn, nil
}

// connectFailed records a failed attempt and returns the wait before the next one
func (l *Link) connectFailed(err error) time.Duration {
	long := l.opts.ReconnectInterval * time.Duration(l.opts.UnreachableBackoffFactor)

	l.mu.Lock()
	l.attempts++
	attempts := l.attempts
	state := l.state
	l.mu.Unlock()

	l.logger.Warn("IOBox connect failed",
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", l.opts.MaxReconnectAttempts),
		zap.Error(err),
	)

	switch {
	case state == models.StateUnreachable:
		return long
	case attempts >= l.opts.MaxReconnectAttempts:
		l.setState(models.StateUnreachable, err)
		l.mu.Lock()
		l.attempts = 0
		l.mu.Unlock()
		l.logger.Error("IOBox unreachable, retrying at reduced rate", zap.Duration("retry_interval", long))
		return long
	default:
		l.setState(models.StateDown, err)
		return l.opts.ReconnectInterval
	}
}

func (l *Link) connected() {
	l.mu.Lock()
	l.attempts = 0
	l.lastSeen = l.now()
	l.mu.Unlock()
	l.logger.Info("IOBox connected")
	l.setState(models.StateUp, nil)
}

// serve runs one session until the connection fails, goes idle or ctx ends
func (l *Link) serve(ctx context.Context, conn net.Conn) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	write := func(b []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.SetWriteDeadline(l.now().Add(l.opts.DialTimeout)); err != nil {
			return err
		}
		_, err := conn.Write(b)
		return err
	}

	if err := write(protocol.NewReadRequest()); err != nil {
		return fmt.Errorf("failed to send initial read request: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-sctx.Done()
		// unblocks the pending Read
		conn.Close()
	}()
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.opts.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Done():
				return
			case <-ticker.C:
				if err := write(protocol.NewReadRequest()); err != nil {
					l.logger.Warn("IOBox health check write failed", zap.Error(err))
					cancel()
					return
				}
				l.logger.Debug("IOBox health check sent")
			}
		}
	}()
	defer wg.Wait()

	r := l.reassembler
	r.Reset()
	buf := make([]byte, 1024)
	for {
		if err := conn.SetReadDeadline(l.now().Add(l.opts.IdleTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, err := conn.Read(buf)
		if n > 0 {
			frames := r.Feed(buf[:n])
			l.mu.Lock()
			l.stats = r.Stats()
			l.mu.Unlock()
			l.handleFrames(sctx, frames)
		}
		if err != nil {
			if sctx.Err() != nil {
				return sctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w after %s", errIdleTimeout, l.opts.IdleTimeout)
			}
			return fmt.Errorf("read failed: %w", err)
		}
	}
}

func (l *Link) handleFrames(ctx context.Context, frames []protocol.Frame) {
	for _, f := range frames {
		at := l.now()
		l.mu.Lock()
		l.lastSeen = at
		l.mu.Unlock()

		if !f.CarriesPinStates() {
			l.logger.Debug("Ignoring frame", zap.Uint16("command", f.Command))
			continue
		}
		l.onSnapshot(ctx, f.Snapshot(l.device.Key(), at))
	}
}

// setState records a transition and notifies the listener when it changed
func (l *Link) setState(state models.ConnectionState, err error) {
	l.mu.Lock()
	prev := l.state
	if prev == state {
		l.mu.Unlock()
		return
	}
	l.state = state
	l.mu.Unlock()
	l.notify(prev, state, err)
}

func (l *Link) notify(prev, state models.ConnectionState, err error) {
	l.mu.Lock()
	change := StateChange{
		Key:               l.device.Key(),
		Generation:        l.opts.Generation,
		Previous:          prev,
		State:             state,
		ReconnectAttempts: l.attempts,
		LastSeen:          l.lastSeen,
		At:                l.now(),
		Err:               err,
	}
	l.mu.Unlock()
	l.onState(change)
}

// sleep waits d or until ctx is done; false means the link is stopping
func (l *Link) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
