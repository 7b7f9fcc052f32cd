package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/registry"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/metrics"
)

//Sampler is the part of the session manager used by polling loops
type Sampler interface {
	IsConnected() bool
	Generation() uint64
	Sample(ctx context.Context, nodeID string) (session.Reading, error)
	ConnectionLostFor(generation uint64, reason string)
}

//Resolver maps a registered handle back to its registration
type Resolver interface {
	Lookup(handle string) (registry.RegisteredNode, bool)
}

//DefaultLossThreshold is the number of consecutive connection loss failures
//after which a loop reports the session as lost
const DefaultLossThreshold = 3

//Option customises an Engine
type Option func(*Engine)

//WithLossThreshold overrides DefaultLossThreshold
func WithLossThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.lossThreshold = n
		}
	}
}

//Engine runs one polling goroutine per subscription
type Engine struct {
	mu       sync.Mutex
	subs     map[string]*subscription
	byHandle map[string]string

	sampler       Sampler
	resolver      Resolver
	log           logging.Logger
	lossThreshold int

	listenersMu   sync.RWMutex
	observers     []TickObserver
	stopListeners []StopListener
}

//NewEngine creates an engine without subscriptions
func NewEngine(sampler Sampler, resolver Resolver, log logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		subs:          map[string]*subscription{},
		byHandle:      map[string]string{},
		sampler:       sampler,
		resolver:      resolver,
		log:           log,
		lossThreshold: DefaultLossThreshold,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

//AddTickObserver registers fn to be called after every successful tick
func (e *Engine) AddTickObserver(fn TickObserver) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.observers = append(e.observers, fn)
}

//AddStopListener registers fn to be called whenever a subscription ends
func (e *Engine) AddStopListener(fn StopListener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.stopListeners = append(e.stopListeners, fn)
}

//ValidateInterval checks that intervalMs is one of AllowedIntervals
func ValidateInterval(intervalMs int) error {
	for _, allowed := range AllowedIntervals {
		if intervalMs == allowed {
			return nil
		}
	}

	menu := make([]string, len(AllowedIntervals))
	for i, allowed := range AllowedIntervals {
		menu[i] = fmt.Sprint(allowed)
	}

	return apierr.New(apierr.Validation, "invalid interval %d ms, allowed intervals are %s", intervalMs, strings.Join(menu, ", "))
}

//Subscribe starts polling a registered node
func (e *Engine) Subscribe(handle string, intervalMs int) (Summary, error) {
	if err := ValidateInterval(intervalMs); err != nil {
		return Summary{}, err
	}

	if !e.sampler.IsConnected() {
		return Summary{}, apierr.New(apierr.NotConnected, "Not connected to PLC")
	}

	node, ok := e.resolver.Lookup(handle)
	if !ok {
		return Summary{}, apierr.New(apierr.NotFound, "registered node %s not found", handle)
	}

	return e.start(node.Handle, node.NodeID, intervalMs)
}

//SubscribeNode starts polling a node that has not been registered. The node id is used as its handle.
func (e *Engine) SubscribeNode(nodeID string, intervalMs int) (Summary, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return Summary{}, apierr.New(apierr.Validation, "nodeId is required")
	}

	if err := ValidateInterval(intervalMs); err != nil {
		return Summary{}, err
	}

	if !e.sampler.IsConnected() {
		return Summary{}, apierr.New(apierr.NotConnected, "Not connected to PLC")
	}

	return e.start(nodeID, nodeID, intervalMs)
}

func (e *Engine) start(handle, nodeID string, intervalMs int) (Summary, error) {
	// read before locking, the session manager calls StopAll while holding its own lock
	generation := e.sampler.Generation()

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.byHandle[handle]; ok {
		return Summary{}, apierr.New(apierr.AlreadySubscribed, "node %s is already subscribed by %s", nodeID, existing)
	}

	sub := newSubscription(uuid.NewString(), handle, nodeID, time.Duration(intervalMs)*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	sub.cancel = cancel

	e.subs[sub.id] = sub
	e.byHandle[handle] = sub.id

	go e.run(ctx, sub, generation)

	if err := sub.machine.Event(ctx, EventActivate); err != nil {
		e.log.Warnf("subscription %s did not become active: %s", sub.id, err.Error())
	}

	metrics.SetActiveSubscriptions(len(e.subs))
	e.log.Infof("subscription %s started on %s every %d ms", sub.id, nodeID, intervalMs)

	return sub.summary(), nil
}

//Unsubscribe stops a subscription and waits for its loop to exit. Unknown ids are ignored.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if ok {
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if !ok {
		return
	}

	ctx := context.Background()
	if err := sub.machine.Event(ctx, EventStop); err != nil {
		e.log.Debugf("subscription %s: %s", id, err.Error())
	}

	sub.cancel()
	<-sub.done

	if err := sub.machine.Event(ctx, EventFinish); err != nil {
		e.log.Debugf("subscription %s: %s", id, err.Error())
	}

	e.release(sub)
	e.log.Infof("subscription %s on %s stopped", id, sub.nodeID)
	e.notifyStopped(id, "unsubscribed")
}

//TerminateNode force stops every subscription bound to handle or nodeID and
//returns how many were stopped
func (e *Engine) TerminateNode(handle, nodeID, reason string) int {
	e.mu.Lock()
	victims := []*subscription{}
	for id, sub := range e.subs {
		if sub.handle == handle || sub.nodeID == nodeID || sub.handle == nodeID {
			victims = append(victims, sub)
			delete(e.subs, id)
		}
	}
	e.mu.Unlock()

	e.terminate(victims, reason)
	return len(victims)
}

//StopAll force stops every subscription and returns how many were stopped
func (e *Engine) StopAll(reason string) int {
	e.mu.Lock()
	victims := make([]*subscription, 0, len(e.subs))
	for id, sub := range e.subs {
		victims = append(victims, sub)
		delete(e.subs, id)
	}
	e.mu.Unlock()

	e.terminate(victims, reason)
	return len(victims)
}

func (e *Engine) terminateID(id, reason string) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	if ok {
		delete(e.subs, id)
	}
	e.mu.Unlock()

	if ok {
		e.terminate([]*subscription{sub}, reason)
	}
}

func (e *Engine) terminate(victims []*subscription, reason string) {
	for _, sub := range victims {
		sub.cancel()
	}

	for _, sub := range victims {
		<-sub.done

		if err := sub.machine.Event(context.Background(), EventTerminate); err != nil {
			e.log.Debugf("subscription %s: %s", sub.id, err.Error())
		}

		e.release(sub)
		e.log.Infof("subscription %s on %s terminated: %s", sub.id, sub.nodeID, reason)
	}

	for _, sub := range victims {
		e.notifyStopped(sub.id, reason)
	}
}

func (e *Engine) release(sub *subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.byHandle[sub.handle] == sub.id {
		delete(e.byHandle, sub.handle)
	}
	metrics.SetActiveSubscriptions(len(e.subs))
}

//LatestValue returns the cached value without touching the wire
func (e *Engine) LatestValue(id string) (CachedValue, error) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	e.mu.Unlock()

	if !ok {
		return CachedValue{}, apierr.New(apierr.NotFound, "subscription %s not found", id)
	}

	v, ok := sub.latest()
	if !ok {
		return CachedValue{}, apierr.New(apierr.NotFound, "no value received yet for subscription %s", id)
	}

	return v, nil
}

//Get returns a summary of one live subscription
func (e *Engine) Get(id string) (Summary, bool) {
	e.mu.Lock()
	sub, ok := e.subs[id]
	e.mu.Unlock()

	if !ok {
		return Summary{}, false
	}
	return sub.summary(), true
}

//ListActive returns all live subscriptions, oldest first
func (e *Engine) ListActive() []Summary {
	e.mu.Lock()
	subs := make([]*subscription, 0, len(e.subs))
	for _, sub := range e.subs {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	summaries := make([]Summary, 0, len(subs))
	for _, sub := range subs {
		summaries = append(summaries, sub.summary())
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].StartedAt.Equal(summaries[j].StartedAt) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].StartedAt.Before(summaries[j].StartedAt)
	})

	return summaries
}

func (e *Engine) run(ctx context.Context, sub *subscription, generation uint64) {
	defer close(sub.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		e.tick(ctx, sub, generation)
		if ctx.Err() != nil {
			return
		}

		timer.Reset(sub.interval)
	}
}

func (e *Engine) tick(ctx context.Context, sub *subscription, generation uint64) {
	reading, err := e.sampler.Sample(ctx, sub.handle)
	if ctx.Err() != nil {
		return
	}

	metrics.RecordTick(err)

	if errors.Is(err, apierr.ErrNotConnected) {
		// the session closed between Subscribe and the first tick
		go e.terminateID(sub.id, "session closed")
		return
	}

	if err != nil {
		lossSignal := apierr.SignalsConnectionLoss(err)
		run := sub.fail(lossSignal)
		if sub.warnings.Allow() {
			e.log.Warnf("subscription %s failed to read %s: %s", sub.id, sub.nodeID, err.Error())
		}

		if lossSignal && run == e.lossThreshold {
			reason := fmt.Sprintf("%d consecutive reads failed on %s: %s", run, sub.nodeID, err.Error())
			// the loss handler joins this loop
			go e.sampler.ConnectionLostFor(generation, reason)
		}
		return
	}

	value := CachedValue{
		Value:           reading.Value,
		DisplayValue:    valuecodec.Decode(reading.Value, reading.DataType),
		DataType:        reading.DataType,
		Quality:         reading.Quality,
		SourceTimestamp: reading.SourceTimestamp,
		ServerTimestamp: reading.ServerTimestamp,
		UpdatedAt:       time.Now().UTC(),
	}
	sub.store(value)

	e.listenersMu.RLock()
	observers := e.observers
	e.listenersMu.RUnlock()

	t := Tick{SubscriptionID: sub.id, Handle: sub.handle, NodeID: sub.nodeID, Value: value}
	for _, observe := range observers {
		observe(t)
	}
}

func (e *Engine) notifyStopped(id, reason string) {
	e.listenersMu.RLock()
	listeners := e.stopListeners
	e.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(id, reason)
	}
}
