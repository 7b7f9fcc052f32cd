package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/metrics"
)

//ServerStateNodeID is read by the keep-alive heartbeat (Server_ServerStatus_State)
const ServerStateNodeID = "i=2259"

//TeardownFunc is invoked, synchronously and under the state lock, whenever the
//session goes away. It must not call back into the Manager's state methods.
type TeardownFunc func(reason string)

//Option customises a Manager
type Option func(*Manager)

//WithSettingsStore persists the last successful config
func WithSettingsStore(store SettingsStore) Option {
	return func(m *Manager) { m.settings = store }
}

//WithLossNotifier receives one notification per dropped connection
func WithLossNotifier(n LossNotifier) Option {
	return func(m *Manager) { m.notifier = n }
}

//WithDefaults replaces the defaults applied to incomplete configs
func WithDefaults(cfg Config) Option {
	return func(m *Manager) { m.defaults = cfg }
}

//WithRetryInterval sets the initial wait between connection attempts
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

//Manager owns the single session to the PLC
type Manager struct {
	dialer        Dialer
	settings      SettingsStore
	notifier      LossNotifier
	log           logging.Logger
	defaults      Config
	retryInterval time.Duration

	// stateMu guards everything below it up to gate. A teardown holds it
	// for writing until every dependent loop has been joined.
	stateMu         sync.RWMutex
	state           State
	generation      uint64
	cfg             Config
	connectedAt     time.Time
	current         Session
	teardowns       []TeardownFunc
	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}

	// gate serialises all traffic on the wire; sess is only touched while holding it
	gate           chan struct{}
	sess           Session
	requestTimeout int64
}

//NewManager creates a disconnected Manager
func NewManager(dialer Dialer, log logging.Logger, opts ...Option) *Manager {
	m := &Manager{
		dialer:        dialer,
		log:           log,
		defaults:      DefaultConfig(),
		retryInterval: 500 * time.Millisecond,
		gate:          make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(m)
	}

	atomic.StoreInt64(&m.requestTimeout, int64(m.defaults.RequestTimeoutDuration()))

	return m
}

//OnTeardown registers a hook run whenever the session is closed or lost
func (m *Manager) OnTeardown(fn TeardownFunc) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.teardowns = append(m.teardowns, fn)
}

//Defaults returns the config defaults applied by Connect
func (m *Manager) Defaults() Config {
	return m.defaults
}

//Connect validates cfg and establishes a new session, replacing any existing one
func (m *Manager) Connect(ctx context.Context, cfg Config) (ConnectionInfo, error) {
	cfg = cfg.WithDefaults(m.defaults)
	if err := cfg.Validate(); err != nil {
		return ConnectionInfo{}, err
	}

	m.stateMu.Lock()
	if m.state == Connecting {
		m.stateMu.Unlock()
		return ConnectionInfo{}, apierr.New(apierr.Config, "a connection attempt is already in progress")
	}
	if m.state == Connected {
		m.log.Infof("replacing the session to %s with a new connection to %s", m.cfg.Endpoint, cfg.Endpoint)
		m.teardownLocked("reconnect requested")
	}
	m.state = Connecting
	m.cfg = cfg
	m.stateMu.Unlock()

	sess, err := m.dialWithRetry(ctx, cfg)

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if err != nil {
		m.state = Disconnected
		metrics.SetConnected(false)
		m.log.Errorf("failed to connect to %s: %s", cfg.Endpoint, err.Error())
		return ConnectionInfo{}, err
	}

	m.gate <- struct{}{}
	m.sess = sess
	atomic.StoreInt64(&m.requestTimeout, int64(cfg.RequestTimeoutDuration()))
	<-m.gate

	m.current = sess
	m.state = Connected
	m.generation++
	m.connectedAt = time.Now().UTC()
	m.startHeartbeatLocked(cfg.KeepAliveDuration(), m.generation)
	metrics.SetConnected(true)

	m.log.Infof("connected to %s (policy %s, mode %s, auth %s)", cfg.Endpoint, cfg.SecurityPolicy, cfg.SecurityMode, cfg.AuthMode)

	if m.settings != nil {
		if err := m.settings.SaveLastConfig(cfg.Redacted()); err != nil {
			m.log.Warnf("failed to persist connection settings: %s", err.Error())
		}
	}

	return ConnectionInfo{
		Endpoint:       cfg.Endpoint,
		SecurityPolicy: cfg.SecurityPolicy,
		SecurityMode:   cfg.SecurityMode,
		AuthMode:       cfg.AuthMode,
		ConnectedAt:    m.connectedAt,
	}, nil
}

func (m *Manager) dialWithRetry(ctx context.Context, cfg Config) (Session, error) {
	var sess Session
	attempt := 0

	operation := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeoutDuration())
		defer cancel()

		s, err := m.dialer.Dial(actx, cfg)
		if err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				err = apierr.Wrap(apierr.ConnectTimeout, err,
					"connection timeout (ETIMEDOUT) after %dms connecting to %s", cfg.ConnectionTimeout, cfg.Endpoint)
			}

			cerr := apierr.AsConnectError(err, cfg.Endpoint)
			metrics.RecordConnectAttempt(cerr)
			m.log.Warnf("connection attempt %d/%d to %s failed: %s", attempt, cfg.MaxRetry, cfg.Endpoint, cerr.Error())

			if cerr.Category == apierr.AuthFailure || cerr.Category == apierr.SecurityMismatch {
				return backoff.Permanent(cerr)
			}
			return cerr
		}

		metrics.RecordConnectAttempt(nil)
		sess = s
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.retryInterval
	b.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetry-1)), ctx))
	if err != nil {
		return nil, err
	}

	return sess, nil
}

//Disconnect closes the session. Disconnecting while disconnected is not an error.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.state != Connected {
		return nil
	}

	m.log.Infof("disconnecting from %s", m.cfg.Endpoint)
	return m.teardownLocked("disconnect requested")
}

//Generation identifies the current session. It changes on every successful Connect.
func (m *Manager) Generation() uint64 {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.generation
}

//ConnectionLost handles a detected drop. Only the first report of a drop has any
//effect; later ones find the manager already disconnected.
func (m *Manager) ConnectionLost(reason string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.loseLocked(reason)
}

//ConnectionLostFor is ConnectionLost for reports that may arrive late. It is
//ignored unless generation still names the current session.
func (m *Manager) ConnectionLostFor(generation uint64, reason string) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	if m.generation != generation {
		return
	}
	m.loseLocked(reason)
}

func (m *Manager) loseLocked(reason string) {
	if m.state != Connected {
		return
	}

	endpoint := m.cfg.Endpoint
	m.log.Errorf("connection to %s lost: %s", endpoint, reason)

	m.teardownLocked(reason)
	metrics.RecordConnectionLoss()

	if m.notifier != nil {
		m.notifier.ConnectionLost(endpoint, reason)
	}
}

// teardownLocked stops the heartbeat, runs the teardown hooks and closes the
// session. The caller must hold stateMu for writing.
func (m *Manager) teardownLocked(reason string) error {
	if m.heartbeatCancel != nil {
		m.heartbeatCancel()
		<-m.heartbeatDone
		m.heartbeatCancel = nil
		m.heartbeatDone = nil
	}

	for _, fn := range m.teardowns {
		fn(reason)
	}

	m.gate <- struct{}{}
	sess := m.sess
	m.sess = nil
	<-m.gate

	m.current = nil
	m.state = Disconnected
	metrics.SetConnected(false)

	if sess == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeoutDuration())
	defer cancel()

	if err := sess.Close(ctx); err != nil {
		m.log.Warnf("closing session to %s: %s", m.cfg.Endpoint, err.Error())
		return apierr.AsOperationError(err, "failed to close session")
	}

	return nil
}

//Status reports whether the session is alive right now
func (m *Manager) Status() Status {
	m.stateMu.RLock()
	state, endpoint, current := m.state, m.cfg.Endpoint, m.current
	m.stateMu.RUnlock()

	if state != Connected {
		return Status{IsConnected: false, Endpoint: endpoint}
	}

	if current != nil && !current.Connected() {
		m.ConnectionLost("session no longer connected")
		return m.Status()
	}

	return Status{IsConnected: true, Endpoint: endpoint}
}

//State returns the current connection state
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

//IsConnected reports whether Connect has succeeded and no drop has been seen since
func (m *Manager) IsConnected() bool {
	return m.State() == Connected
}

//Endpoint returns the endpoint of the current or last connection
func (m *Manager) Endpoint() string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.cfg.Endpoint
}

//LastConfig returns the persisted config of the last successful connection
func (m *Manager) LastConfig() (Config, bool, error) {
	if m.settings == nil {
		return Config{}, false, nil
	}
	return m.settings.LoadLastConfig()
}

// Execute runs fn against the session while holding the gate. It does not
// react to connection loss; callers decide whether an error escalates.
func (m *Manager) Execute(ctx context.Context, fn func(ctx context.Context, s Session) error) error {
	select {
	case m.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.gate }()

	if m.sess == nil {
		return apierr.New(apierr.NotConnected, "Not connected to PLC")
	}

	timeout := time.Duration(atomic.LoadInt64(&m.requestTimeout))
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(rctx, m.sess)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return apierr.Wrap(apierr.Timeout, err, "request timeout (ETIMEDOUT) after %s", timeout)
	}

	return apierr.AsOperationError(err, "operation failed")
}

func (m *Manager) escalate(generation uint64, err error) error {
	if apierr.SignalsConnectionLoss(err) && !errors.Is(err, apierr.ErrNotConnected) {
		m.ConnectionLostFor(generation, err.Error())
	}
	return err
}

//Sample reads a node without escalating connection loss, for use by polling loops
func (m *Manager) Sample(ctx context.Context, nodeID string) (Reading, error) {
	var reading Reading
	err := m.Execute(ctx, func(ctx context.Context, s Session) (err error) {
		reading, err = s.Read(ctx, nodeID)
		return err
	})
	return reading, err
}

//Read reads the current value of a node
func (m *Manager) Read(ctx context.Context, nodeID string) (Reading, error) {
	gen := m.Generation()
	reading, err := m.Sample(ctx, nodeID)
	return reading, m.escalate(gen, err)
}

//Write writes a typed value to a node
func (m *Manager) Write(ctx context.Context, nodeID string, value valuecodec.TypedValue) error {
	gen := m.Generation()
	err := m.Execute(ctx, func(ctx context.Context, s Session) error {
		return s.Write(ctx, nodeID, value)
	})
	return m.escalate(gen, err)
}

//Browse lists the hierarchical children of a node
func (m *Manager) Browse(ctx context.Context, nodeID string) ([]BrowseResult, error) {
	gen := m.Generation()
	var results []BrowseResult
	err := m.Execute(ctx, func(ctx context.Context, s Session) (err error) {
		results, err = s.Browse(ctx, nodeID)
		return err
	})
	return results, m.escalate(gen, err)
}

//RegisterNodes asks the server for handles to the given nodes
func (m *Manager) RegisterNodes(ctx context.Context, nodeIDs []string) ([]string, error) {
	gen := m.Generation()
	var handles []string
	err := m.Execute(ctx, func(ctx context.Context, s Session) (err error) {
		handles, err = s.RegisterNodes(ctx, nodeIDs)
		return err
	})
	return handles, m.escalate(gen, err)
}

//UnregisterNodes releases server side handles
func (m *Manager) UnregisterNodes(ctx context.Context, handles []string) error {
	gen := m.Generation()
	err := m.Execute(ctx, func(ctx context.Context, s Session) error {
		return s.UnregisterNodes(ctx, handles)
	})
	return m.escalate(gen, err)
}

func (m *Manager) startHeartbeatLocked(interval time.Duration, generation uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.heartbeatCancel = cancel
	m.heartbeatDone = done

	go m.heartbeat(ctx, interval, generation, done)
}

func (m *Manager) heartbeat(ctx context.Context, interval time.Duration, generation uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, err := m.Sample(ctx, ServerStateNodeID)
		if ctx.Err() != nil {
			return
		}

		if err != nil && apierr.SignalsConnectionLoss(err) {
			// ConnectionLost joins this goroutine, so it has to run elsewhere
			go m.ConnectionLostFor(generation, "keep alive failed: "+err.Error())
			return
		}

		if err != nil {
			m.log.Debugf("keep alive read returned: %s", err.Error())
		}
	}
}
