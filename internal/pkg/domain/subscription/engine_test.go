package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/apierr"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/registry"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/valuecodec"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
)

type fakeSampler struct {
	mu        sync.Mutex
	connected bool
	err       error
	delay     time.Duration
	samples   int32
	inflight  int32
	overlap   int32
	lost      []string
}

func (f *fakeSampler) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeSampler) Generation() uint64 {
	return 1
}

func (f *fakeSampler) Sample(ctx context.Context, nodeID string) (session.Reading, error) {
	if atomic.AddInt32(&f.inflight, 1) > 1 {
		atomic.StoreInt32(&f.overlap, 1)
	}
	defer atomic.AddInt32(&f.inflight, -1)
	atomic.AddInt32(&f.samples, 1)

	f.mu.Lock()
	err, delay := f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return session.Reading{}, ctx.Err()
		}
	}

	if err != nil {
		return session.Reading{}, err
	}

	return session.Reading{Value: 21.5, DataType: valuecodec.Double, Quality: "Good"}, nil
}

func (f *fakeSampler) ConnectionLostFor(generation uint64, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lost = append(f.lost, reason)
}

func (f *fakeSampler) sampleCount() int {
	return int(atomic.LoadInt32(&f.samples))
}

func (f *fakeSampler) lossCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lost)
}

func (f *fakeSampler) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeResolver map[string]registry.RegisteredNode

func (r fakeResolver) Lookup(handle string) (registry.RegisteredNode, bool) {
	n, ok := r[handle]
	return n, ok
}

var _ = Describe("Engine", func() {
	var (
		sampler  *fakeSampler
		resolver fakeResolver
		engine   *Engine
	)

	BeforeEach(func() {
		sampler = &fakeSampler{connected: true}
		resolver = fakeResolver{
			"ns=1;i=1": {NodeID: "ns=2;s=Tank.Level", Handle: "ns=1;i=1"},
		}
		engine = NewEngine(sampler, resolver, logging.NewLogger())
	})

	AfterEach(func() {
		engine.StopAll("test finished")
	})

	Describe("Subscribe", func() {
		It("only accepts intervals from the menu", func() {
			_, err := engine.Subscribe("ns=1;i=1", 300)
			Expect(errors.Is(err, apierr.ErrValidation)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("100, 250, 500"))
		})

		It("requires a connection", func() {
			sampler.connected = false
			_, err := engine.Subscribe("ns=1;i=1", 1000)
			Expect(errors.Is(err, apierr.ErrNotConnected)).To(BeTrue())
		})

		It("requires a registered handle", func() {
			_, err := engine.Subscribe("ns=1;i=77", 1000)
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())
		})

		It("rejects a second subscription on the same handle", func() {
			_, err := engine.Subscribe("ns=1;i=1", 1000)
			Expect(err).NotTo(HaveOccurred())

			_, err = engine.Subscribe("ns=1;i=1", 500)
			Expect(errors.Is(err, apierr.ErrAlreadySubscribed)).To(BeTrue())
			Expect(errors.Is(err, apierr.ErrSubscribe)).To(BeTrue())
		})

		It("ticks immediately and decodes the value", func() {
			sub, err := engine.Subscribe("ns=1;i=1", 10000)
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.State).To(Equal(StateActive))

			Eventually(func() error {
				_, err := engine.LatestValue(sub.ID)
				return err
			}, time.Second).Should(Succeed())

			v, _ := engine.LatestValue(sub.ID)
			Expect(v.DisplayValue).To(Equal("21.50"))
			Expect(v.DataType).To(Equal(valuecodec.Double))
		})

		It("never overlaps reads of one subscription", func() {
			sampler.delay = 150 * time.Millisecond
			_, err := engine.Subscribe("ns=1;i=1", 100)
			Expect(err).NotTo(HaveOccurred())

			Eventually(sampler.sampleCount, 2*time.Second).Should(BeNumerically(">=", 3))
			Expect(atomic.LoadInt32(&sampler.overlap)).To(BeZero())
		})

		It("uses the node id as handle for unregistered nodes", func() {
			sub, err := engine.SubscribeNode("ns=2;s=Pump.Speed", 1000)
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Handle).To(Equal("ns=2;s=Pump.Speed"))
		})
	})

	Describe("LatestValue", func() {
		It("reports not found until the first successful tick", func() {
			sampler.failWith(errors.New("BadNodeIdUnknown"))
			sub, _ := engine.SubscribeNode("ns=2;s=Missing", 100)

			Eventually(sampler.sampleCount).Should(BeNumerically(">=", 1))
			_, err := engine.LatestValue(sub.ID)
			Expect(errors.Is(err, apierr.ErrNotFound)).To(BeTrue())
		})
	})

	Describe("Unsubscribe", func() {
		It("stops the loop and forgets the subscription", func() {
			stopped := make(chan string, 1)
			engine.AddStopListener(func(id, reason string) { stopped <- id })

			sub, _ := engine.Subscribe("ns=1;i=1", 100)
			Eventually(sampler.sampleCount).Should(BeNumerically(">=", 1))

			engine.Unsubscribe(sub.ID)

			Expect(stopped).To(Receive(Equal(sub.ID)))
			_, found := engine.Get(sub.ID)
			Expect(found).To(BeFalse())

			count := sampler.sampleCount()
			Consistently(sampler.sampleCount, 300*time.Millisecond).Should(Equal(count))

			_, err := engine.Subscribe("ns=1;i=1", 100)
			Expect(err).NotTo(HaveOccurred())
		})

		It("ignores unknown ids", func() {
			engine.Unsubscribe("0b8f1a64-8c7e-4a5c-9b0c-4f2a1a6c3f00")
			Expect(engine.ListActive()).To(BeEmpty())
		})
	})

	Describe("TerminateNode", func() {
		It("stops subscriptions bound to the handle or the node id", func() {
			_, err := engine.Subscribe("ns=1;i=1", 1000)
			Expect(err).NotTo(HaveOccurred())
			_, err = engine.SubscribeNode("ns=2;s=Tank.Level", 1000)
			Expect(err).NotTo(HaveOccurred())
			_, err = engine.SubscribeNode("ns=2;s=Other", 1000)
			Expect(err).NotTo(HaveOccurred())

			count := engine.TerminateNode("ns=1;i=1", "ns=2;s=Tank.Level", "node unregistered")

			Expect(count).To(Equal(2))
			Expect(engine.ListActive()).To(HaveLen(1))
		})
	})

	Describe("StopAll", func() {
		It("stops and joins every loop", func() {
			for _, node := range []string{"a", "b", "c", "d", "e"} {
				_, err := engine.SubscribeNode("ns=2;s="+node, 100)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(engine.StopAll("connection lost")).To(Equal(5))
			Expect(engine.ListActive()).To(BeEmpty())
		})
	})

	Describe("connection loss", func() {
		It("escalates once after consecutive loss signals", func() {
			sampler.failWith(apierr.New(apierr.SessionLost, "connection lost"))
			_, err := engine.SubscribeNode("ns=2;s=Tank.Level", 100)
			Expect(err).NotTo(HaveOccurred())

			Eventually(sampler.lossCount, 2*time.Second).Should(Equal(1))
			Consistently(sampler.lossCount, 400*time.Millisecond).Should(Equal(1))
		})

		It("does not escalate server rejections", func() {
			sampler.failWith(errors.New("BadNodeIdUnknown"))
			_, err := engine.SubscribeNode("ns=2;s=Tank.Level", 100)
			Expect(err).NotTo(HaveOccurred())

			Eventually(sampler.sampleCount).Should(BeNumerically(">=", 4))
			Expect(sampler.lossCount()).To(BeZero())
		})

		It("terminates loops that outlive their session", func() {
			sampler.failWith(apierr.New(apierr.NotConnected, "Not connected to PLC"))
			_, err := engine.SubscribeNode("ns=2;s=Tank.Level", 100)
			Expect(err).NotTo(HaveOccurred())

			Eventually(engine.ListActive).Should(BeEmpty())
		})
	})

	It("tells observers about every tick", func() {
		ticks := make(chan Tick, 10)
		engine.AddTickObserver(func(t Tick) {
			select {
			case ticks <- t:
			default:
			}
		})

		sub, _ := engine.Subscribe("ns=1;i=1", 100)

		var t Tick
		Eventually(ticks).Should(Receive(&t))
		Expect(t.SubscriptionID).To(Equal(sub.ID))
		Expect(t.NodeID).To(Equal("ns=2;s=Tank.Level"))
	})
})
