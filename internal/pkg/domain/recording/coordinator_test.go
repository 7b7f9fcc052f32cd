package recording

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/subscription"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
)

const (
	user      = "operator-1"
	otherUser = "operator-2"
	subID     = "5b0e3f7a-1c2d-4e5f-8a9b-0c1d2e3f4a5b"
)

func tickFor(id string, raw float64) subscription.Tick {
	return subscription.Tick{
		SubscriptionID: id,
		Handle:         "ns=1;i=1",
		NodeID:         "ns=2;s=Tank.Level",
		Value: subscription.CachedValue{
			Value:           raw,
			DisplayValue:    valuecodec.Decode(raw, valuecodec.Double),
			DataType:        valuecodec.Double,
			Quality:         "Good",
			SourceTimestamp: time.Now().UTC(),
		},
	}
}

var _ = Describe("Coordinator", func() {
	var (
		store  *memoryStore
		events *eventLog
		coord  *Coordinator
	)

	BeforeEach(func() {
		store = newMemoryStore()
		events = &eventLog{}
		subs := fakeSubscriptions{
			subID: {ID: subID, Handle: "ns=1;i=1", NodeID: "ns=2;s=Tank.Level"},
		}
		coord = NewCoordinator(store, subs, logging.NewLogger(), WithPublisher(events), WithQueueSize(16))
	})

	AfterEach(func() {
		coord.Close()
	})

	Describe("StartRecording", func() {
		It("creates a named record for a live subscription", func() {
			rec, err := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID, Name: "Night shift"})

			Expect(err).NotTo(HaveOccurred())
			Expect(rec.ID).NotTo(BeZero())
			Expect(rec.Name).To(Equal("Night shift"))
			Expect(rec.NodeHandle).To(Equal("ns=1;i=1"))
			Expect(rec.OriginalNodeID).To(Equal("ns=2;s=Tank.Level"))
			Expect(rec.IsRecording).To(BeTrue())
			Expect(events.started).To(ConsistOf(rec.ID))
		})

		It("generates a name when none is given", func() {
			rec, err := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Name).To(HavePrefix("Recording "))
		})

		It("rejects unknown subscriptions", func() {
			_, err := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: "nope"})
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())
		})

		It("returns an active record unchanged", func() {
			first, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID, Name: "A"})
			second, err := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID, Name: "B"})

			Expect(err).NotTo(HaveOccurred())
			Expect(second.ID).To(Equal(first.ID))
			Expect(second.Name).To(Equal("A"))
			Expect(store.records).To(HaveLen(1))
		})

		It("reuses a stopped record and keeps its id", func() {
			first, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID, Name: "A"})
			_, err := coord.StopRecording(user, first.ID)
			Expect(err).NotTo(HaveOccurred())

			again, err := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.ID).To(Equal(first.ID))
			Expect(again.Name).To(Equal("A"))
			Expect(again.IsRecording).To(BeTrue())

			coord.StopRecording(user, first.ID)
			renamed, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID, Name: "C"})
			Expect(renamed.ID).To(Equal(first.ID))
			Expect(renamed.Name).To(Equal("C"))
		})
	})

	Describe("recording ticks", func() {
		It("writes ticks of recorded subscriptions only", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})

			coord.ObserveTick(tickFor(subID, 1.0))
			coord.ObserveTick(tickFor(subID, 2.0))
			coord.ObserveTick(tickFor("another-subscription", 3.0))

			result, err := coord.StopRecording(user, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.TotalValues).To(Equal(int64(2)))
			Expect(store.values[0].DataType).To(Equal("Double"))
			Expect(store.values[0].UserID).To(Equal(user))
			Expect(store.values[0].SourceTimestamp).NotTo(BeNil())
			Expect(store.values[0].ServerTimestamp).NotTo(BeNil())
			Expect(*store.values[0].ServerTimestamp).To(Equal(store.values[0].RecordedAt))
		})

		It("stores the raw value rather than its rounded display form", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})

			tick := tickFor(subID, 3.14159)
			Expect(tick.Value.DisplayValue).To(Equal("3.14"))
			coord.ObserveTick(tick)

			_, err := coord.StopRecording(user, rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(store.values).To(HaveLen(1))
			Expect(store.values[0].Value).To(Equal("3.14159"))
		})

		It("stops writing once the recording stops", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			coord.ObserveTick(tickFor(subID, 1.0))
			coord.StopRecording(user, rec.ID)

			coord.ObserveTick(tickFor(subID, 2.0))
			coord.flush()

			Expect(store.CountValues(rec.ID)).To(Equal(int64(1)))
		})

		It("keeps going after a failed write", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			store.failNext = errors.New("database is locked")

			coord.ObserveTick(tickFor(subID, 1.0))
			coord.ObserveTick(tickFor(subID, 2.0))

			result, _ := coord.StopRecording(user, rec.ID)
			Expect(result.TotalValues).To(Equal(int64(1)))
		})
	})

	Describe("SubscriptionStopped", func() {
		It("stops the active recording", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})

			coord.SubscriptionStopped(subID, "connection lost")

			stored, _ := store.GetRecord(rec.ID)
			Expect(stored.IsRecording).To(BeFalse())
			Expect(events.stopped).To(ConsistOf(rec.ID))
		})
	})

	Describe("DeleteRecording", func() {
		It("removes the record with its values", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			coord.ObserveTick(tickFor(subID, 1.0))
			coord.ObserveTick(tickFor(subID, 2.0))
			coord.ObserveTick(tickFor(subID, 3.0))

			deleted, err := coord.DeleteRecording(user, rec.ID)

			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(Equal(int64(3)))
			_, err = coord.StopRecording(user, rec.ID)
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())
			Expect(events.deleted).To(ConsistOf(rec.ID))
		})
	})

	Describe("Summary", func() {
		It("falls back to per record statistics without the view", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			coord.ObserveTick(tickFor(subID, 1.0))
			coord.ObserveTick(tickFor(subID, 2.0))
			coord.flush()

			summaries, err := coord.Summary(user)

			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(HaveLen(1))
			Expect(summaries[0].ID).To(Equal(rec.ID))
			Expect(summaries[0].TotalValues).To(Equal(int64(2)))
			Expect(summaries[0].FirstValueAt).NotTo(BeNil())
			Expect(summaries[0].DurationSeconds).NotTo(BeNil())
		})

		It("reports store failures from the view", func() {
			store.hasView = true
			_, err := coord.Summary(user)
			Expect(errors.Is(err, apierr.ErrStore)).To(BeTrue())
		})
	})

	Describe("Values", func() {
		BeforeEach(func() {
			coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			for i := 0; i < 5; i++ {
				coord.ObserveTick(tickFor(subID, 1.0))
			}
			coord.flush()
		})

		It("pages newest first", func() {
			values, err := coord.Values(user, 1, ValueQuery{Limit: 2, Offset: 1})
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(HaveLen(2))
			Expect(values[0].ID).To(Equal(uint(4)))
		})

		It("exports in chronological order", func() {
			values, err := coord.Export(user, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(values).To(HaveLen(5))
			Expect(values[0].ID).To(Equal(uint(1)))
		})

		It("rejects inverted ranges", func() {
			from, to := time.Now(), time.Now().Add(-time.Hour)
			_, err := coord.Values(user, 1, ValueQuery{From: &from, To: &to})
			Expect(errors.Is(err, apierr.ErrValidation)).To(BeTrue())
		})
	})

	Describe("Rename", func() {
		It("requires a name", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			Expect(errors.Is(coord.Rename(user, rec.ID, " "), apierr.ErrValidation)).To(BeTrue())
			Expect(coord.Rename(user, rec.ID, "Morning")).To(Succeed())

			recs, _ := coord.Records(user)
			Expect(recs[0].Name).To(Equal("Morning"))
		})
	})

	Describe("Cleanup", func() {
		It("deletes values older than the retention window", func() {
			store.values = []Value{
				{ID: 1, RecordID: 1, UserID: user, RecordedAt: time.Now().AddDate(0, 0, -40)},
				{ID: 2, RecordID: 1, UserID: user, RecordedAt: time.Now().AddDate(0, 0, -1)},
			}

			deleted, err := coord.Cleanup(user, 30)

			Expect(err).NotTo(HaveOccurred())
			Expect(deleted).To(Equal(int64(1)))
			Expect(store.values).To(HaveLen(1))
		})

		It("requires a positive retention", func() {
			_, err := coord.Cleanup(user, 0)
			Expect(errors.Is(err, apierr.ErrValidation)).To(BeTrue())
		})
	})

	Describe("ownership", func() {
		var rec Record

		BeforeEach(func() {
			rec, _ = coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID, Name: "Mine"})
			coord.ObserveTick(tickFor(subID, 1.0))
			coord.flush()
		})

		It("hides a record from other users", func() {
			_, err := coord.StopRecording(otherUser, rec.ID)
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())

			_, err = coord.DeleteRecording(otherUser, rec.ID)
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())

			err = coord.Rename(otherUser, rec.ID, "Theirs")
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())

			_, err = coord.Values(otherUser, rec.ID, ValueQuery{})
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())

			_, err = coord.Export(otherUser, rec.ID)
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())
		})

		It("leaves the record untouched after a foreign request", func() {
			coord.DeleteRecording(otherUser, rec.ID)
			coord.Rename(otherUser, rec.ID, "Theirs")

			stored, err := store.GetRecord(rec.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Name).To(Equal("Mine"))
			Expect(stored.IsRecording).To(BeTrue())
			Expect(store.CountValues(rec.ID)).To(Equal(int64(1)))
			Expect(events.deleted).To(BeEmpty())
		})
	})

	Describe("after Close", func() {
		It("refuses to start or delete recordings", func() {
			rec, _ := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			coord.Close()

			_, err := coord.StartRecording(StartRequest{UserID: user, SubscriptionID: subID})
			Expect(errors.Is(err, apierr.ErrUnavailable)).To(BeTrue())

			_, err = coord.DeleteRecording(user, rec.ID)
			Expect(errors.Is(err, apierr.ErrUnavailable)).To(BeTrue())
			Expect(store.records).To(HaveKey(rec.ID))
		})
	})

	It("does not start a record for a subscription that ends during the start", func() {
		ending := &endingSubscription{summary: subscription.Summary{ID: "ending", Handle: "ns=1;i=2", NodeID: "ns=2;s=Valve"}}
		racing := NewCoordinator(store, ending, logging.NewLogger())
		defer racing.Close()

		_, err := racing.StartRecording(StartRequest{UserID: user, SubscriptionID: "ending"})

		Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())
		Expect(store.records).To(BeEmpty())
	})

	It("deactivates records left active by an earlier run", func() {
		store.records[7] = &Record{ID: 7, UserID: user, SubscriptionID: "gone", IsRecording: true}
		Expect(coord.Recover()).To(Succeed())
		Expect(store.records[7].IsRecording).To(BeFalse())
	})
})
