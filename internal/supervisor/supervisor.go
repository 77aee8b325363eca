package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sitewatch/internal/link"
	"sitewatch/internal/metrics"
	"sitewatch/internal/models"
	"sitewatch/internal/pinconfig"

	"go.uber.org/zap"
)

// ErrDeviceExists AddDevice for a key that already has a link
var ErrDeviceExists = errors.New("device already supervised")

// Reconciler applies one pin snapshot (reconciler.Processor)
type Reconciler interface {
	Process(ctx context.Context, snap models.PinSnapshot) error
}

// StateWriter persists link state changes
type StateWriter interface {
	SetDeviceConnectionState(ctx context.Context, siteID, deviceID string, state models.ConnectionState, lastSeen time.Time) error
}

// StateRemover is implemented by writers that hold per-device entries which
// must go away when the device is no longer supervised.
type StateRemover interface {
	DeleteDeviceState(ctx context.Context, siteID, deviceID string) error
}

// Emitter fire-and-forget event sink
type Emitter interface {
	Emit(event models.Event)
}

// ConfigSource devices and pin wiring of all sites
type ConfigSource interface {
	GetDevicesForAllSites(ctx context.Context) ([]models.Device, error)
	GetPinConfigs(ctx context.Context) ([]models.PinConfig, error)
}

// PinTable receives refreshed pin configuration (pinconfig.Table)
type PinTable interface {
	Replace(configs []models.PinConfig) int
}

// Options supervisor tuning
type Options struct {
	Link link.Options

	DispatchQueueSize     int
	ReconcileRetryBase    time.Duration
	ReconcileRetryMax     time.Duration
	ReconcileMaxRetries   int
	ConfigRefreshInterval time.Duration // 0 disables
	StateWriteTimeout     time.Duration
	ReconcileTimeout      time.Duration // bounds one Process attempt
	StateRefreshInterval  time.Duration // rewrite current state and last seen; 0 disables

	Metrics *metrics.Metrics // optional
}

func (o *Options) setDefaults() {
	if o.DispatchQueueSize <= 0 {
		o.DispatchQueueSize = 64
	}
	if o.ReconcileRetryBase <= 0 {
		o.ReconcileRetryBase = time.Second
	}
	if o.ReconcileRetryMax < o.ReconcileRetryBase {
		o.ReconcileRetryMax = 30 * time.Second
		if o.ReconcileRetryMax < o.ReconcileRetryBase {
			o.ReconcileRetryMax = o.ReconcileRetryBase
		}
	}
	if o.ReconcileMaxRetries < 0 {
		o.ReconcileMaxRetries = 0
	}
	if o.StateWriteTimeout <= 0 {
		o.StateWriteTimeout = 10 * time.Second
	}
	if o.ReconcileTimeout <= 0 {
		o.ReconcileTimeout = 30 * time.Second
	}
}

// deviceEntry one supervised device: its link and its dispatch queue
type deviceEntry struct {
	device     models.Device
	generation uint64
	link       *link.Link
	queue      chan models.PinSnapshot
	stopping   chan struct{}
	workerDone chan struct{}
}

// Supervisor owns one Link per configured device. Link state changes are
// serialized through a single goroutine; snapshots of each device are
// reconciled in arrival order by a per-device worker.
type Supervisor struct {
	opts       Options
	reconciler Reconciler
	writers    []StateWriter
	events     Emitter
	config     ConfigSource
	pins       PinTable
	logger     *zap.Logger

	opMu sync.Mutex // serializes Sync/Add/Remove/Stop

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	entries  map[models.DeviceKey]*deviceEntry
	reported map[models.DeviceKey]models.ConnectionState
	sites    map[string]string // normalized site id -> first spelling seen
	nextGen  uint64
	started  bool
	stopped  bool

	changes chan link.StateChange
	loops   sync.WaitGroup
}

// New creates a supervisor. config and pins may be nil when configuration
// refresh is not wanted.
func New(
	opts Options,
	reconciler Reconciler,
	events Emitter,
	config ConfigSource,
	pins PinTable,
	logger *zap.Logger,
	writers ...StateWriter,
) *Supervisor {
	opts.setDefaults()
	return &Supervisor{
		opts:       opts,
		reconciler: reconciler,
		writers:    writers,
		events:     events,
		config:     config,
		pins:       pins,
		logger:     logger,
		entries:    make(map[models.DeviceKey]*deviceEntry),
		reported:   make(map[models.DeviceKey]models.ConnectionState),
		sites:      make(map[string]string),
		changes:    make(chan link.StateChange, 256),
	}
}

// Start opens a link for every device and starts the state and refresh loops
func (s *Supervisor) Start(ctx context.Context, devices []models.Device) error {
	s.opMu.Lock()
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		s.opMu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.loops.Add(1)
	go s.stateLoop()
	s.opMu.Unlock()

	s.Sync(devices)

	if s.config != nil && s.opts.ConfigRefreshInterval > 0 {
		s.loops.Add(1)
		go s.refreshLoop()
	}

	s.logger.Info("Supervisor started", zap.Int("devices", len(devices)))
	return nil
}

// Stop stops every link, drains every dispatch queue and waits for
// in-flight reconciliations.
func (s *Supervisor) Stop() {
	s.opMu.Lock()

	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		s.opMu.Unlock()
		return
	}
	s.stopped = true
	entries := make([]*deviceEntry, 0, len(s.entries))
	for k, e := range s.entries {
		entries = append(entries, e)
		delete(s.entries, k)
	}
	s.cancel()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *deviceEntry) {
			defer wg.Done()
			s.shutdownEntry(e)
		}(e)
	}
	wg.Wait()

	// every link is stopped, nothing sends on changes any more
	close(s.changes)
	s.opMu.Unlock()

	// a refresh in progress finds the supervisor stopped and returns
	s.loops.Wait()
	s.logger.Info("Supervisor stopped")
}

// Sync reconciles the supervised set with devices: new devices are added,
// missing ones removed and devices whose address changed are restarted.
func (s *Supervisor) Sync(devices []models.Device) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	running := s.started && !s.stopped
	s.mu.Unlock()
	if !running {
		return
	}

	desired := make(map[models.DeviceKey]models.Device, len(devices))
	for _, d := range devices {
		if err := d.Validate(); err != nil {
			s.logger.Warn("Ignoring invalid device", zap.Error(err))
			continue
		}
		d.SiteID = s.canonicalSite(d.SiteID)
		if _, dup := desired[d.Key()]; dup {
			s.logger.Warn("Duplicate device, keeping first", zap.String("device", d.Key().String()))
			continue
		}
		desired[d.Key()] = d
	}

	s.mu.Lock()
	var removed []models.DeviceKey
	var replaced []models.Device
	for k, e := range s.entries {
		d, ok := desired[k]
		switch {
		case !ok:
			removed = append(removed, k)
		case d.IP != e.device.IP || d.Port != e.device.Port:
			replaced = append(replaced, d)
		}
		delete(desired, k)
	}
	s.mu.Unlock()

	for _, k := range removed {
		s.removeLocked(k)
	}
	for _, d := range replaced {
		s.logger.Info("Device address changed, restarting link",
			zap.String("site_id", d.SiteID),
			zap.String("device_id", d.DeviceID),
			zap.String("addr", d.Addr()),
		)
		s.removeLocked(d.Key())
		if err := s.addLocked(d); err != nil {
			s.logger.Warn("Failed to restart link", zap.Error(err))
		}
	}
	added := make([]models.Device, 0, len(desired))
	for _, d := range desired {
		added = append(added, d)
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Key().String() < added[j].Key().String() })
	for _, d := range added {
		if err := s.addLocked(d); err != nil {
			s.logger.Warn("Failed to add device", zap.Error(err))
		}
	}

	if len(removed)+len(replaced)+len(added) > 0 {
		s.logger.Info("Device set synchronized",
			zap.Int("added", len(added)),
			zap.Int("removed", len(removed)),
			zap.Int("restarted", len(replaced)),
		)
	}
}

// AddDevice starts supervising one device
func (s *Supervisor) AddDevice(device models.Device) error {
	if err := device.Validate(); err != nil {
		return err
	}
	s.opMu.Lock()
	defer s.opMu.Unlock()
	device.SiteID = s.canonicalSite(device.SiteID)
	return s.addLocked(device)
}

// canonicalSite maps every spelling of a site id ("Site-01", "site_01") to
// the first one supervised, so history, locks and aggregates share one key.
func (s *Supervisor) canonicalSite(siteID string) string {
	norm := pinconfig.Normalize(siteID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if canon, ok := s.sites[norm]; ok {
		return canon
	}
	s.sites[norm] = siteID
	return siteID
}

// CanonicalSiteID the spelling of siteID used for supervised devices
func (s *Supervisor) CanonicalSiteID(siteID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if canon, ok := s.sites[pinconfig.Normalize(siteID)]; ok {
		return canon
	}
	return siteID
}

// RemoveDevice stops supervising a device; false when it was unknown
func (s *Supervisor) RemoveDevice(key models.DeviceKey) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	key.SiteID = s.CanonicalSiteID(key.SiteID)
	return s.removeLocked(key)
}

// Status current state of one device
func (s *Supervisor) Status(key models.DeviceKey) (models.DeviceStatus, bool) {
	key.SiteID = s.CanonicalSiteID(key.SiteID)
	s.mu.Lock()
	e, ok := s.entries[key]
	s.mu.Unlock()
	if !ok {
		return models.DeviceStatus{}, false
	}
	return e.link.Status(), true
}

// Statuses current state of every device, ordered by site and device
func (s *Supervisor) Statuses() []models.DeviceStatus {
	s.mu.Lock()
	links := make([]*link.Link, 0, len(s.entries))
	for _, e := range s.entries {
		links = append(links, e.link)
	}
	s.mu.Unlock()

	out := make([]models.DeviceStatus, 0, len(links))
	for _, l := range links {
		out = append(out, l.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Device.Key().String() < out[j].Device.Key().String()
	})
	return out
}

// RefreshConfig reloads pin wiring and the device set from the config source.
// On error the current configuration stays in effect.
func (s *Supervisor) RefreshConfig(ctx context.Context) error {
	if s.config == nil {
		return nil
	}
	if s.pins != nil {
		pins, err := s.config.GetPinConfigs(ctx)
		if err != nil {
			return fmt.Errorf("failed to reload pin configs: %w", err)
		}
		n := s.pins.Replace(pins)
		s.logger.Debug("Pin configuration reloaded", zap.Int("pins", n))
	}
	devices, err := s.config.GetDevicesForAllSites(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload devices: %w", err)
	}
	s.Sync(devices)
	return nil
}

func (s *Supervisor) addLocked(d models.Device) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor not running")
	}
	if _, exists := s.entries[d.Key()]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceExists, d.Key())
	}
	s.nextGen++
	e := &deviceEntry{
		device:     d,
		generation: s.nextGen,
		queue:      make(chan models.PinSnapshot, s.opts.DispatchQueueSize),
		stopping:   make(chan struct{}),
		workerDone: make(chan struct{}),
	}
	opts := s.opts.Link
	opts.Generation = e.generation
	e.link = link.New(d, opts, s.enqueue(e), s.onStateChange, s.logger)
	s.entries[d.Key()] = e
	ctx := s.ctx
	s.mu.Unlock()

	go s.worker(e)
	e.link.Start(ctx)
	return nil
}

func (s *Supervisor) removeLocked(key models.DeviceKey) bool {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
		delete(s.reported, key)
		s.opts.Metrics.ForgetDevice(key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.shutdownEntry(e)
	s.deleteState(key)
	s.logger.Info("Device removed",
		zap.String("site_id", key.SiteID),
		zap.String("device_id", key.DeviceID),
	)
	return true
}

// shutdownEntry stops the link first so nothing is enqueued after the queue closes
func (s *Supervisor) shutdownEntry(e *deviceEntry) {
	e.link.Stop()
	close(e.stopping)
	close(e.queue)
	<-e.workerDone
}

func (s *Supervisor) deleteState(key models.DeviceKey) {
	for _, w := range s.writers {
		r, ok := w.(StateRemover)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StateWriteTimeout)
		if err := r.DeleteDeviceState(ctx, key.SiteID, key.DeviceID); err != nil {
			s.logger.Warn("Failed to delete device state",
				zap.String("device", key.String()),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// enqueue blocks when the device's queue is full, slowing only that link
func (s *Supervisor) enqueue(e *deviceEntry) link.SnapshotHandler {
	return func(ctx context.Context, snap models.PinSnapshot) {
		select {
		case e.queue <- snap:
		default:
			s.opts.Metrics.DispatchQueueFull()
			s.logger.Warn("Dispatch queue full, applying back-pressure",
				zap.String("device", e.device.Key().String()),
				zap.Int("queue_size", cap(e.queue)),
			)
			select {
			case e.queue <- snap:
			case <-ctx.Done():
			}
		}
	}
}

func (s *Supervisor) worker(e *deviceEntry) {
	defer close(e.workerDone)
	for snap := range e.queue {
		s.reconcile(e, snap)
	}
}

// reconcile retries failed snapshots with doubling backoff. Each attempt
// runs under ReconcileTimeout so a hung store cannot pin the worker and
// Stop with it; an attempt cut short is retried like any other failure.
func (s *Supervisor) reconcile(e *deviceEntry, snap models.PinSnapshot) {
	backoff := s.opts.ReconcileRetryBase
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReconcileTimeout)
		err := s.reconciler.Process(ctx, snap)
		cancel()
		if err == nil {
			s.opts.Metrics.SnapshotReconciled()
			return
		}
		if attempt >= s.opts.ReconcileMaxRetries {
			s.opts.Metrics.SnapshotDropped()
			s.logger.Error("Dropping snapshot after retries",
				zap.String("device", e.device.Key().String()),
				zap.Int("retries", attempt),
				zap.Error(err),
			)
			return
		}
		s.opts.Metrics.ReconcileRetry()
		s.logger.Warn("Reconcile failed, will retry",
			zap.String("device", e.device.Key().String()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-e.stopping:
			t.Stop()
			s.opts.Metrics.SnapshotDropped()
			s.logger.Warn("Dropping snapshot, device stopping",
				zap.String("device", e.device.Key().String()),
			)
			return
		}
		backoff *= 2
		if backoff > s.opts.ReconcileRetryMax {
			backoff = s.opts.ReconcileRetryMax
		}
	}
}

func (s *Supervisor) onStateChange(change link.StateChange) {
	s.changes <- change
}

// stateLoop is the only writer of device state, so a periodic refresh never
// overtakes a transition.
func (s *Supervisor) stateLoop() {
	defer s.loops.Done()
	var tick <-chan time.Time
	if s.opts.StateRefreshInterval > 0 {
		ticker := time.NewTicker(s.opts.StateRefreshInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case change, ok := <-s.changes:
			if !ok {
				return
			}
			s.applyStateChange(change)
		case <-tick:
			s.refreshStates()
		}
	}
}

// refreshStates rewrites the reported state of every device with its current
// last-seen time. Writers with a TTL stay populated for healthy devices.
func (s *Supervisor) refreshStates() {
	type pending struct {
		key      models.DeviceKey
		state    models.ConnectionState
		lastSeen time.Time
	}
	s.mu.Lock()
	links := make(map[models.DeviceKey]*link.Link, len(s.entries))
	reported := make(map[models.DeviceKey]models.ConnectionState, len(s.entries))
	for k, e := range s.entries {
		if st, ok := s.reported[k]; ok {
			links[k] = e.link
			reported[k] = st
		}
	}
	s.mu.Unlock()

	var out []pending
	for k, l := range links {
		st := l.Status()
		// a transition is still queued; it will write the new state itself
		if st.State != reported[k] {
			continue
		}
		out = append(out, pending{key: k, state: st.State, lastSeen: st.LastSeen})
	}
	for _, p := range out {
		s.writeState(p.key, p.state, p.lastSeen)
	}
}

func (s *Supervisor) writeState(key models.DeviceKey, state models.ConnectionState, lastSeen time.Time) {
	for _, w := range s.writers {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.StateWriteTimeout)
		if err := w.SetDeviceConnectionState(ctx, key.SiteID, key.DeviceID, state, lastSeen); err != nil {
			s.logger.Error("Failed to persist device state",
				zap.String("device", key.String()),
				zap.String("state", string(state)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

func (s *Supervisor) applyStateChange(change link.StateChange) {
	s.mu.Lock()
	e, ok := s.entries[change.Key]
	if !ok || e.generation != change.Generation {
		s.mu.Unlock()
		s.logger.Debug("Dropping state change of replaced link",
			zap.String("device", change.Key.String()),
			zap.Uint64("generation", change.Generation),
		)
		return
	}
	s.reported[change.Key] = change.State
	s.opts.Metrics.LinkState(change.Key, change.State)
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("site_id", change.Key.SiteID),
		zap.String("device_id", change.Key.DeviceID),
		zap.String("from", string(change.Previous)),
		zap.String("to", string(change.State)),
		zap.Int("reconnect_attempts", change.ReconnectAttempts),
	}
	if change.Err != nil {
		fields = append(fields, zap.Error(change.Err))
	}
	s.logger.Info("Device state changed", fields...)

	s.writeState(change.Key, change.State, change.LastSeen)

	var kind models.EventKind
	switch change.State {
	case models.StateUp:
		kind = models.EventDeviceConnected
	case models.StateDown:
		kind = models.EventDeviceDisconnected
	case models.StateUnreachable:
		kind = models.EventDeviceUnreachable
	default:
		return
	}
	ev := models.Event{
		Kind:      kind,
		SiteID:    change.Key.SiteID,
		DeviceID:  change.Key.DeviceID,
		Timestamp: change.At,
		State:     change.State,
	}
	if !change.LastSeen.IsZero() {
		seen := change.LastSeen
		ev.LastSeen = &seen
	}
	s.events.Emit(ev)
}

// ReportedState last state handed to the writers for a device
func (s *Supervisor) ReportedState(key models.DeviceKey) (models.ConnectionState, bool) {
	key.SiteID = s.CanonicalSiteID(key.SiteID)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.reported[key]
	return st, ok
}

func (s *Supervisor) refreshLoop() {
	defer s.loops.Done()
	ticker := time.NewTicker(s.opts.ConfigRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.ConfigRefreshInterval)
			if err := s.RefreshConfig(ctx); err != nil {
				s.logger.Warn("Configuration refresh failed, keeping current", zap.Error(err))
			}
			cancel()
		}
	}
}
