package application

import (
	"context"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/recording"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/registry"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/subscription"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/notifications"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/settings"
)

//GatewayState owns every component of a running gateway
type GatewayState struct {
	cfg config.Config
	log logging.Logger

	Session  *session.Manager
	Registry *registry.Registry
	Engine   *subscription.Engine
	Recorder *recording.Coordinator

	browseCache *browseCache

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

//NewGatewayState wires the session, registry, subscription and recording components together
func NewGatewayState(cfg config.Config, dialer session.Dialer, db database.Datastore, messenger notifications.MessagingContext, log logging.Logger) *GatewayState {
	publisher := notifications.NewPublisher(messenger, log.WithComponent(logging.ComponentMessaging))

	mgr := session.NewManager(dialer, log.WithComponent(logging.ComponentSession),
		session.WithSettingsStore(settings.NewFileStore(cfg.SettingsFile)),
		session.WithLossNotifier(publisher),
		session.WithDefaults(cfg.OPCUA),
	)

	reg := registry.New(mgr, db, log.WithComponent(logging.ComponentRegistry))

	engine := subscription.NewEngine(mgr, reg, log.WithComponent(logging.ComponentSubscription),
		subscription.WithLossThreshold(cfg.Subscriptions.LossThreshold))
	reg.SetTerminator(engine)

	recorder := recording.NewCoordinator(db, engine, log.WithComponent(logging.ComponentRecording),
		recording.WithPublisher(publisher),
		recording.WithQueueSize(cfg.Recording.QueueSize))

	engine.AddTickObserver(recorder.ObserveTick)
	engine.AddStopListener(recorder.SubscriptionStopped)

	cache := newBrowseCache(mgr)

	mgr.OnTeardown(func(reason string) {
		engine.StopAll(reason)
		cache.Purge()
	})

	return &GatewayState{
		cfg:         cfg,
		log:         log,
		Session:     mgr,
		Registry:    reg,
		Engine:      engine,
		Recorder:    recorder,
		browseCache: cache,
	}
}

//Start recovers state left behind by an earlier process and starts the background loops
func (gw *GatewayState) Start(ctx context.Context) {
	if err := gw.Recorder.Recover(); err != nil {
		gw.log.Errorf("failed to recover recordings: %s", err.Error())
	}

	if err := gw.Registry.Refresh(ctx); err != nil {
		gw.log.Warnf("initial registry refresh failed: %s", err.Error())
	}

	ctx, gw.cancel = context.WithCancel(ctx)

	gw.every(ctx, gw.cfg.Registry.RefreshInterval, func() {
		if err := gw.Registry.Refresh(ctx); err != nil {
			gw.log.Warnf("registry refresh failed: %s", err.Error())
		}
	})

	gw.every(ctx, gw.cfg.Recording.CleanupInterval, func() {
		if _, err := gw.Recorder.Cleanup("", gw.cfg.Recording.RetentionDays); err != nil {
			gw.log.Errorf("retention cleanup failed: %s", err.Error())
		}
	})
}

func (gw *GatewayState) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}

	gw.wg.Add(1)
	go func() {
		defer gw.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

//Close stops the background loops, disconnects and flushes pending recordings
func (gw *GatewayState) Close(ctx context.Context) {
	if gw.cancel != nil {
		gw.cancel()
	}
	gw.wg.Wait()

	if err := gw.Session.Disconnect(ctx); err != nil {
		gw.log.Warnf("disconnect during shutdown failed: %s", err.Error())
	}

	gw.Recorder.Close()
}

//DefaultUserID is used for recording requests without an X-User-ID header
func (gw *GatewayState) DefaultUserID() string {
	return gw.cfg.Recording.DefaultUserID
}
