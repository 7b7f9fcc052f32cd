package recording

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/subscription"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/metrics"
)

//DefaultQueueSize is the capacity of the asynchronous value writer
const DefaultQueueSize = 1024

type pending struct {
	record  Record
	tick    subscription.Tick
	flushed chan struct{}
}

//Coordinator starts and stops recordings and writes ticks of recorded subscriptions to the store
type Coordinator struct {
	store     Store
	subs      SubscriptionLookup
	publisher EventPublisher
	log       logging.Logger

	mu     sync.RWMutex
	active map[string]Record
	closed bool
	queue  chan pending
	done   chan struct{}
}

//Option customises a Coordinator
type Option func(*Coordinator)

//WithPublisher sends lifecycle events to p
func WithPublisher(p EventPublisher) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.publisher = p
		}
	}
}

//WithQueueSize sets the capacity of the value writer queue
func WithQueueSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.queue = make(chan pending, n)
		}
	}
}

//NewCoordinator creates a coordinator and starts its value writer
func NewCoordinator(store Store, subs SubscriptionLookup, log logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		subs:      subs,
		publisher: nopPublisher{},
		log:       log,
		active:    map[string]Record{},
		queue:     make(chan pending, DefaultQueueSize),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.write()

	return c
}

//Recover marks records left active by an earlier run as stopped, since their subscriptions are gone
func (c *Coordinator) Recover() error {
	n, err := c.store.DeactivateAll()
	if err != nil {
		return apierr.Wrap(apierr.Store, err, "failed to deactivate stale recordings")
	}
	if n > 0 {
		c.log.Infof("stopped %d recording(s) left active by a previous run", n)
	}
	return nil
}

//StartRecording begins recording a live subscription, reusing a stopped record for it when one exists
func (c *Coordinator) StartRecording(req StartRequest) (Record, error) {
	if req.UserID == "" {
		return Record{}, apierr.New(apierr.Validation, "user id is required")
	}

	sub, ok := c.subs.Get(req.SubscriptionID)
	if !ok {
		return Record{}, apierr.New(apierr.NotFound, "subscription %s not found", req.SubscriptionID)
	}
	if req.Handle == "" {
		req.Handle = sub.Handle
	}
	if req.OriginalNodeID == "" {
		req.OriginalNodeID = sub.NodeID
	}
	req.Name = strings.TrimSpace(req.Name)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Record{}, apierr.New(apierr.Unavailable, "recording is shutting down")
	}

	// a subscription that ended before the lock was taken has already been
	// handed to SubscriptionStopped and would never close this record
	if _, ok := c.subs.Get(req.SubscriptionID); !ok {
		return Record{}, apierr.New(apierr.NotFound, "subscription %s not found", req.SubscriptionID)
	}

	active, err := c.store.FindActiveRecord(req.SubscriptionID)
	if err != nil {
		return Record{}, apierr.Wrap(apierr.Store, err, "failed to look up active recording")
	}
	if active != nil {
		c.active[active.SubscriptionID] = *active
		return *active, nil
	}

	rec, err := c.store.FindInactiveRecord(req.UserID, req.SubscriptionID)
	if err != nil {
		return Record{}, apierr.Wrap(apierr.Store, err, "failed to look up stopped recording")
	}

	if rec != nil {
		if _, err := transition(*rec, eventStart); err != nil {
			return Record{}, apierr.Wrap(apierr.Recording, err, "cannot restart recording %d", rec.ID)
		}
		if err := c.store.SetRecording(rec.ID, true); err != nil {
			return Record{}, apierr.Wrap(apierr.Store, err, "failed to restart recording %d", rec.ID)
		}
		rec.IsRecording = true
		if req.Name != "" {
			if err := c.store.RenameRecord(rec.ID, req.Name); err != nil {
				return Record{}, apierr.Wrap(apierr.Store, err, "failed to rename recording %d", rec.ID)
			}
			rec.Name = req.Name
		}
		c.log.Infof("resumed recording %d of subscription %s", rec.ID, rec.SubscriptionID)
	} else {
		now := time.Now().UTC()
		rec = &Record{
			UserID:         req.UserID,
			SubscriptionID: req.SubscriptionID,
			NodeHandle:     req.Handle,
			OriginalNodeID: req.OriginalNodeID,
			Name:           req.Name,
			IsRecording:    true,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if rec.Name == "" {
			rec.Name = "Recording " + now.Format("2006-01-02 15:04:05")
		}
		if err := c.store.CreateRecord(rec); err != nil {
			return Record{}, apierr.Wrap(apierr.Store, err, "failed to create recording")
		}
		c.log.Infof("created recording %d of subscription %s", rec.ID, rec.SubscriptionID)
	}

	c.active[rec.SubscriptionID] = *rec
	c.publisher.RecordingStarted(*rec)

	return *rec, nil
}

//RecordTick appends one value to a record. The raw value is stored, not its display form.
func (c *Coordinator) RecordTick(rec Record, tick subscription.Tick) error {
	now := time.Now().UTC()

	v := &Value{
		RecordID:        rec.ID,
		UserID:          rec.UserID,
		SubscriptionID:  tick.SubscriptionID,
		NodeHandle:      tick.Handle,
		OriginalNodeID:  tick.NodeID,
		Value:           valuecodec.Text(tick.Value.Value),
		DataType:        tick.Value.DataType.String(),
		Quality:         tick.Value.Quality,
		SourceTimestamp: timestampOrNow(tick.Value.SourceTimestamp, now),
		ServerTimestamp: timestampOrNow(tick.Value.ServerTimestamp, now),
		RecordedAt:      now,
	}

	if v.DataType == "" {
		v.DataType = DefaultDataType
	}
	if v.Quality == "" {
		v.Quality = DefaultQuality
	}

	err := c.store.InsertValue(v)
	metrics.RecordValueStored(err)
	if err != nil {
		return apierr.Wrap(apierr.Store, err, "failed to store value for recording %d", rec.ID)
	}
	return nil
}

//ObserveTick queues the tick for writing if its subscription is being recorded.
//It never blocks; values are dropped when the queue is full.
func (c *Coordinator) ObserveTick(tick subscription.Tick) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.active[tick.SubscriptionID]
	if !ok || c.closed {
		return
	}

	select {
	case c.queue <- pending{record: rec, tick: tick}:
	default:
		metrics.RecordValueDropped()
		c.log.Warnf("value queue full, dropping value for recording %d", rec.ID)
	}
}

func (c *Coordinator) write() {
	defer close(c.done)

	for p := range c.queue {
		if p.flushed != nil {
			close(p.flushed)
			continue
		}

		if err := c.RecordTick(p.record, p.tick); err != nil {
			c.log.Errorf("%s", err.Error())
		}
	}
}

//flush waits until every value queued so far has been written
func (c *Coordinator) flush() {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	marker := make(chan struct{})
	c.queue <- pending{flushed: marker}
	c.mu.RUnlock()

	<-marker
}

//StopRecording marks a record of userID inactive. The subscription keeps running.
func (c *Coordinator) StopRecording(userID string, id uint) (StopResult, error) {
	rec, err := c.getRecord(userID, id)
	if err != nil {
		return StopResult{}, err
	}

	c.mu.Lock()
	changed, err := transition(*rec, eventStop)
	if err == nil && changed {
		err = c.store.SetRecording(rec.ID, false)
		if err == nil {
			rec.IsRecording = false
			delete(c.active, rec.SubscriptionID)
		}
	}
	c.mu.Unlock()

	if err != nil {
		return StopResult{}, apierr.Wrap(apierr.Store, err, "failed to stop recording %d", id)
	}

	c.flush()

	total, err := c.store.CountValues(id)
	if err != nil {
		return StopResult{}, apierr.Wrap(apierr.Store, err, "failed to count values of recording %d", id)
	}

	if changed {
		c.log.Infof("stopped recording %d with %d value(s)", id, total)
		c.publisher.RecordingStopped(*rec, total)
	}

	return StopResult{TotalValues: total}, nil
}

//SubscriptionStopped stops the active recording of a subscription that has ended
func (c *Coordinator) SubscriptionStopped(subscriptionID, reason string) {
	c.mu.Lock()
	rec, ok := c.active[subscriptionID]
	if ok {
		delete(c.active, subscriptionID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}

	if err := c.store.SetRecording(rec.ID, false); err != nil {
		c.log.Errorf("failed to stop recording %d after its subscription ended: %s", rec.ID, err.Error())
		return
	}
	rec.IsRecording = false

	total, err := c.store.CountValues(rec.ID)
	if err != nil {
		c.log.Warnf("failed to count values of recording %d: %s", rec.ID, err.Error())
	}

	c.log.Infof("stopped recording %d because subscription %s ended: %s", rec.ID, subscriptionID, reason)
	c.publisher.RecordingStopped(rec, total)
}

//DeleteRecording removes a record of userID and all of its values, returning the number of values deleted
func (c *Coordinator) DeleteRecording(userID string, id uint) (int64, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return 0, apierr.New(apierr.Unavailable, "recording is shutting down")
	}

	rec, err := c.getRecord(userID, id)
	if err != nil {
		return 0, err
	}

	if _, err := transition(*rec, eventDelete); err != nil {
		return 0, apierr.Wrap(apierr.Recording, err, "cannot delete recording %d", id)
	}

	c.mu.Lock()
	if active, ok := c.active[rec.SubscriptionID]; ok && active.ID == rec.ID {
		delete(c.active, rec.SubscriptionID)
	}
	c.mu.Unlock()

	c.flush()

	deleted, err := c.store.DeleteRecordCascade(id)
	if err != nil {
		return 0, apierr.Wrap(apierr.Store, err, "failed to delete recording %d", id)
	}

	c.log.Infof("deleted recording %d and %d value(s)", id, deleted)
	c.publisher.RecordingDeleted(*rec, deleted)

	return deleted, nil
}

//Rename changes the name of a record of userID
func (c *Coordinator) Rename(userID string, id uint, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apierr.New(apierr.Validation, "name is required")
	}

	if _, err := c.getRecord(userID, id); err != nil {
		return err
	}

	if err := c.store.RenameRecord(id, name); err != nil {
		return apierr.Wrap(apierr.Store, err, "failed to rename recording %d", id)
	}

	c.mu.Lock()
	for subID, rec := range c.active {
		if rec.ID == id {
			rec.Name = name
			c.active[subID] = rec
		}
	}
	c.mu.Unlock()

	return nil
}

//Records lists the records of a user, newest first, with their value counts
func (c *Coordinator) Records(userID string) ([]Record, error) {
	recs, err := c.store.RecordsByUser(userID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Store, err, "failed to list recordings")
	}

	for i := range recs {
		total, err := c.store.CountValues(recs[i].ID)
		if err != nil {
			return nil, apierr.Wrap(apierr.Store, err, "failed to count values of recording %d", recs[i].ID)
		}
		recs[i].TotalValues = total
	}

	return recs, nil
}

//Summary returns per record statistics for a user
func (c *Coordinator) Summary(userID string) ([]Summary, error) {
	summaries, err := c.store.SummaryView(userID)
	if err == nil {
		return summaries, nil
	}

	if !errors.Is(err, ErrSummaryViewUnavailable) {
		return nil, apierr.Wrap(apierr.Store, err, "failed to read recording summary")
	}

	c.log.Debugf("summary view unavailable, computing summaries per record")

	recs, err := c.store.RecordsByUser(userID)
	if err != nil {
		return nil, apierr.Wrap(apierr.Store, err, "failed to list recordings")
	}

	summaries = make([]Summary, 0, len(recs))
	for _, rec := range recs {
		total, err := c.store.CountValues(rec.ID)
		if err != nil {
			return nil, apierr.Wrap(apierr.Store, err, "failed to count values of recording %d", rec.ID)
		}

		first, last, err := c.store.ValueSpan(rec.ID)
		if err != nil {
			return nil, apierr.Wrap(apierr.Store, err, "failed to read value span of recording %d", rec.ID)
		}

		summaries = append(summaries, NewSummary(rec, total, first, last))
	}

	return summaries, nil
}

//Values pages through the values of a record of userID
func (c *Coordinator) Values(userID string, id uint, q ValueQuery) ([]Value, error) {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxExportSize {
		q.Limit = MaxExportSize
	}
	if q.Offset < 0 {
		return nil, apierr.New(apierr.Validation, "offset must not be negative")
	}
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return nil, apierr.New(apierr.Validation, "from must not be after to")
	}

	if _, err := c.getRecord(userID, id); err != nil {
		return nil, err
	}

	values, err := c.store.ListValues(id, q)
	if err != nil {
		return nil, apierr.Wrap(apierr.Store, err, "failed to read values of recording %d", id)
	}

	return values, nil
}

//Export returns up to MaxExportSize values of a record in chronological order
func (c *Coordinator) Export(userID string, id uint) ([]Value, error) {
	return c.Values(userID, id, ValueQuery{Limit: MaxExportSize, Ascending: true})
}

//Cleanup deletes values older than daysToKeep days. An empty user id cleans up for every user.
func (c *Coordinator) Cleanup(userID string, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		return 0, apierr.New(apierr.Validation, "daysToKeep must be a positive number of days")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)

	deleted, err := c.store.DeleteValuesOlderThan(userID, cutoff)
	if err != nil {
		return 0, apierr.Wrap(apierr.Store, err, "failed to clean up recorded values")
	}

	if deleted > 0 {
		c.log.Infof("deleted %d value(s) recorded before %s", deleted, cutoff.Format(time.RFC3339))
	}

	return deleted, nil
}

//Close stops accepting ticks and waits for queued values to be written
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()

	<-c.done
}

//getRecord reads a record owned by userID. Records of other users are reported as not found.
func (c *Coordinator) getRecord(userID string, id uint) (*Record, error) {
	rec, err := c.store.GetRecord(id)
	if errors.Is(err, ErrRecordNotFound) || (err == nil && (rec == nil || rec.UserID != userID)) {
		return nil, apierr.New(apierr.NotFound, "recording %d not found", id)
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.Store, err, "failed to read recording %d", id)
	}
	return rec, nil
}

func timestampOrNow(ts, now time.Time) *time.Time {
	if ts.IsZero() {
		return &now
	}
	return &ts
}

type nopPublisher struct{}

func (nopPublisher) RecordingStarted(Record)        {}
func (nopPublisher) RecordingStopped(Record, int64) {}
func (nopPublisher) RecordingDeleted(Record, int64) {}
