package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vkuzn/groupsyncd/internal/config"
	"github.com/vkuzn/groupsyncd/internal/db"
	"github.com/vkuzn/groupsyncd/internal/eventbus"
	"github.com/vkuzn/groupsyncd/internal/hub"
	"github.com/vkuzn/groupsyncd/internal/ledger"
	"github.com/vkuzn/groupsyncd/internal/reconcile"
	"github.com/vkuzn/groupsyncd/internal/scheduler"
	"github.com/vkuzn/groupsyncd/internal/script"
	"github.com/vkuzn/groupsyncd/internal/storage/kv"
	"github.com/vkuzn/groupsyncd/internal/webhook"
)

// retryBucket is the KV bucket holding in-flight retry entries.
const retryBucket = "retry_state"

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB     *db.DB
	Ledger *ledger.Ledger
	KV     *kv.Manager
	Bus    *eventbus.Bus

	// Domain services
	Hub        *hub.Client
	Scheduler  *scheduler.Scheduler
	Entries    *reconcile.EntryStore
	Reconciler *reconcile.Reconciler
	Webhook    *webhook.Server
	Script     *script.Runtime // nil when no script is configured
	Health     *HealthService

	wg sync.WaitGroup
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger and KV manager
	s.Ledger = ledger.New(database.DB)
	s.KV = kv.NewManager(database.DB)

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize hub client
	s.Hub = hub.NewClient(
		cfg.Hub.Address,
		cfg.Hub.AppID,
		cfg.Hub.Token,
		cfg.Hub.Timeout.Duration(),
		cfg.Hub.RateLimitRPS,
	)

	// Initialize scheduler
	s.Scheduler = scheduler.New()

	// Initialize retry entry store
	bucket := s.KV.Bucket(retryBucket, cfg.Reconcile.PersistEnabled())
	s.Entries = reconcile.NewEntryStore(bucket)

	// Initialize reconciler; it registers its check handler on the scheduler
	s.Reconciler = reconcile.New(reconcile.Config{
		Devices:    cfg.Devices,
		MonitorOn:  cfg.Reconcile.MonitorOnEnabled(),
		MonitorOff: cfg.Reconcile.MonitorOffEnabled(),
		Delay:      cfg.Reconcile.Delay.Duration(),
		MaxRetries: cfg.Reconcile.MaxRetries,
	}, s.Hub, s.Hub, s.Scheduler, s.Entries, s.Bus)

	// Initialize webhook server
	s.Webhook = webhook.NewServer(cfg.Webhook.Host, cfg.Webhook.Port, s.Bus)

	// Initialize optional Lua hooks runtime
	if cfg.Script != "" {
		s.Script = script.NewRuntime(s.KV)
		if err := s.Script.LoadScript(cfg.Script); err != nil {
			s.Close()
			return nil, err
		}
	}

	// Initialize health service
	s.Health = NewHealthService(cfg)

	s.subscribe()

	return s, nil
}

// subscribe wires event bus subscriptions.
func (s *Services) subscribe() {
	// Hub device events feed the reconciler
	s.Bus.Subscribe(eventbus.EventTypeDevice, func(e eventbus.Event) {
		attribute, _ := e.Data["attribute"].(string)
		if attribute != reconcile.AttrSwitch {
			return
		}

		deviceID, _ := e.Data["device_id"].(string)
		value, _ := e.Data["value"].(string)
		ts := time.Now()
		if unix, ok := e.Data["ts"].(int64); ok {
			ts = time.Unix(unix, 0)
		}

		s.Reconciler.OnSwitchEvent(deviceID, value, ts)
	})

	// Terminal outcomes are recorded and handed to the hooks script
	s.Bus.Subscribe(eventbus.EventTypeReconcile, func(e eventbus.Event) {
		res := reconcile.ResultFromEvent(e.Data)

		if err := s.Ledger.Append(res.DeviceID, res.Desired, string(res.Outcome), res.Attempts, res.Detail); err != nil {
			log.Error().Err(err).Str("device", res.DeviceID).Msg("Failed to record outcome")
		}

		if s.Script != nil {
			s.Script.NotifyResult(map[string]any{
				"device_id": res.DeviceID,
				"desired":   res.Desired,
				"outcome":   string(res.Outcome),
				"attempts":  res.Attempts,
				"detail":    res.Detail,
			})
		}
	})
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs.
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Verify hub connectivity before anything else
	if err := s.Hub.Connect(ctx); err != nil {
		return err
	}

	// Warn about monitored devices the Maker API does not expose
	if devices, err := s.Hub.Devices(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to list hub devices")
	} else {
		for _, id := range s.cfg.Devices {
			label, ok := devices[id]
			if !ok {
				log.Warn().Str("device", id).Msg("Monitored device not exposed by hub")
				continue
			}
			log.Debug().Str("device", id).Str("label", label).Msg("Monitoring device")
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Scheduler.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Scheduler stopped with error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Webhook.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Webhook server failed")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()

	if s.Script != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Script.Run(ctx); err != nil && err != script.ErrRuntimeClosed {
				log.Error().Err(err).Msg("Lua runtime stopped with error")
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ledgerCleanupLoop(ctx)
	}()

	s.Health.Start(ctx)

	log.Info().
		Int("devices", len(s.cfg.Devices)).
		Dur("delay", s.cfg.Reconcile.Delay.Duration()).
		Int("max_retries", s.cfg.Reconcile.MaxRetries).
		Msg("Services started")

	return nil
}

// ledgerCleanupLoop enforces the ledger retention policy.
func (s *Services) ledgerCleanupLoop(ctx context.Context) {
	interval := s.cfg.Ledger.CleanupInterval.Duration()
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Warn().Err(err).Msg("Ledger cleanup failed")
			} else if deleted > 0 {
				log.Debug().Int64("deleted", deleted).Msg("Ledger cleanup done")
			}
		}
	}
}

// ClearState clears stored retry entries, abandoning all in-flight chains.
func (s *Services) ClearState() error {
	return s.Entries.Clear()
}

// Stop gracefully shuts down everything, waiting for background goroutines.
func (s *Services) Stop() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	s.Bus.Close(shutdownCtx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Timed out waiting for background services")
	}

	s.Close()
	return nil
}

// Close releases resources. Safe to call on a partially-built container.
func (s *Services) Close() {
	if s.Script != nil {
		s.Script.Close()
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
	if s.DB != nil {
		if err := s.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
