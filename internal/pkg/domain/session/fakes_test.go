package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
)

type fakeSession struct {
	mu        sync.Mutex
	readErr   error
	writeErr  error
	reads     []string
	writes    []valuecodec.TypedValue
	closed    int32
	connected int32
}

func newFakeSession() *fakeSession {
	return &fakeSession{connected: 1}
}

func (s *fakeSession) failReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *fakeSession) Read(ctx context.Context, nodeID string) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, nodeID)
	if s.readErr != nil {
		return Reading{}, s.readErr
	}
	return Reading{Value: 21.5, DataType: valuecodec.Double, Quality: "Good"}, nil
}

func (s *fakeSession) Write(ctx context.Context, nodeID string, value valuecodec.TypedValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, value)
	return s.writeErr
}

func (s *fakeSession) Browse(ctx context.Context, nodeID string) ([]BrowseResult, error) {
	return []BrowseResult{{NodeID: "ns=2;s=Tank", BrowseName: "Tank", DisplayName: "Tank", NodeClass: "Object"}}, nil
}

func (s *fakeSession) RegisterNodes(ctx context.Context, nodeIDs []string) ([]string, error) {
	handles := make([]string, len(nodeIDs))
	for i := range nodeIDs {
		handles[i] = fmt.Sprintf("ns=1;i=%d", i+1)
	}
	return handles, nil
}

func (s *fakeSession) UnregisterNodes(ctx context.Context, handles []string) error {
	return nil
}

func (s *fakeSession) Connected() bool {
	return atomic.LoadInt32(&s.connected) == 1
}

func (s *fakeSession) drop() {
	atomic.StoreInt32(&s.connected, 0)
}

func (s *fakeSession) Close(ctx context.Context) error {
	atomic.AddInt32(&s.closed, 1)
	return nil
}

func (s *fakeSession) closeCount() int {
	return int(atomic.LoadInt32(&s.closed))
}

type fakeDialer struct {
	mu       sync.Mutex
	calls    int
	failures []error
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, cfg Config) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls++
	if len(d.failures) > 0 {
		err := d.failures[0]
		if len(d.failures) > 1 {
			d.failures = d.failures[1:]
		}
		return nil, err
	}

	s := newFakeSession()
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) last() *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[len(d.sessions)-1]
}

type memorySettings struct {
	mu  sync.Mutex
	cfg *Config
}

func (s *memorySettings) SaveLastConfig(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = &cfg
	return nil
}

func (s *memorySettings) LoadLastConfig() (Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return Config{}, false, nil
	}
	return *s.cfg, true, nil
}

type lossRecorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *lossRecorder) ConnectionLost(endpoint, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *lossRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

var errRefused = errors.New("dial tcp 10.0.0.1:4840: connect: connection refused")
