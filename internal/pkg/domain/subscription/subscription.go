package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/time/rate"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
)

//Lifecycle states of a subscription
const (
	StateStarting = "starting"
	StateActive   = "active"
	StateStopping = "stopping"
	StateStopped  = "stopped"
)

//Lifecycle events
const (
	EventActivate  = "activate"
	EventStop      = "stop"
	EventFinish    = "finish"
	EventTerminate = "terminate"
)

//AllowedIntervals lists the polling intervals, in milliseconds, a caller may choose from
var AllowedIntervals = []int{100, 250, 500, 1000, 2000, 5000, 10000}

//CachedValue is the latest value read for a subscription
type CachedValue struct {
	Value           interface{}         `json:"value"`
	DisplayValue    string              `json:"displayValue"`
	DataType        valuecodec.DataType `json:"dataType"`
	Quality         string              `json:"quality"`
	SourceTimestamp time.Time           `json:"sourceTimestamp"`
	ServerTimestamp time.Time           `json:"serverTimestamp"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

//Summary is a point in time view of one subscription
type Summary struct {
	ID           string       `json:"subscriptionId"`
	Handle       string       `json:"registeredId"`
	NodeID       string       `json:"nodeId"`
	IntervalMs   int          `json:"interval"`
	State        string       `json:"state"`
	StartedAt    time.Time    `json:"startedAt"`
	TickCount    uint64       `json:"tickCount"`
	FailureCount uint64       `json:"failureCount"`
	LastValue    *CachedValue `json:"lastValue,omitempty"`
}

//Tick is delivered to observers after every successful read
type Tick struct {
	SubscriptionID string
	Handle         string
	NodeID         string
	Value          CachedValue
}

//TickObserver is called from the polling goroutine and must not block
type TickObserver func(Tick)

//StopListener is called once a subscription has been stopped and joined
type StopListener func(subscriptionID, reason string)

type subscription struct {
	id        string
	handle    string
	nodeID    string
	interval  time.Duration
	startedAt time.Time
	machine   *fsm.FSM

	cancel context.CancelFunc
	done   chan struct{}

	// failures at fast intervals would otherwise flood the log
	warnings *rate.Limiter

	mu              sync.RWMutex
	cache           *CachedValue
	ticks           uint64
	failures        uint64
	consecutiveLoss int
}

func newSubscription(id, handle, nodeID string, interval time.Duration) *subscription {
	return &subscription{
		id:        id,
		handle:    handle,
		nodeID:    nodeID,
		interval:  interval,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
		warnings:  rate.NewLimiter(rate.Every(5*time.Second), 1),
		machine: fsm.NewFSM(
			StateStarting,
			fsm.Events{
				{Name: EventActivate, Src: []string{StateStarting}, Dst: StateActive},
				{Name: EventStop, Src: []string{StateActive}, Dst: StateStopping},
				{Name: EventFinish, Src: []string{StateStopping}, Dst: StateStopped},
				{Name: EventTerminate, Src: []string{StateStarting, StateActive, StateStopping}, Dst: StateStopped},
			},
			fsm.Callbacks{},
		),
	}
}

func (s *subscription) store(v CachedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = &v
	s.ticks++
	s.consecutiveLoss = 0
}

//fail counts a failed tick and returns the current run of connection loss failures
func (s *subscription) fail(signalsLoss bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if signalsLoss {
		s.consecutiveLoss++
	} else {
		s.consecutiveLoss = 0
	}
	return s.consecutiveLoss
}

func (s *subscription) latest() (CachedValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cache == nil {
		return CachedValue{}, false
	}
	return *s.cache, true
}

func (s *subscription) summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		ID:           s.id,
		Handle:       s.handle,
		NodeID:       s.nodeID,
		IntervalMs:   int(s.interval / time.Millisecond),
		State:        s.machine.Current(),
		StartedAt:    s.startedAt,
		TickCount:    s.ticks,
		FailureCount: s.failures,
	}
	if s.cache != nil {
		v := *s.cache
		sum.LastValue = &v
	}
	return sum
}
