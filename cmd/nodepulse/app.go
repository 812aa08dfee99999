package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nodepulse/nodepulse/internal/alert"
	"github.com/nodepulse/nodepulse/internal/analytics"
	"github.com/nodepulse/nodepulse/internal/api"
	"github.com/nodepulse/nodepulse/internal/buildinfo"
	"github.com/nodepulse/nodepulse/internal/config"
	"github.com/nodepulse/nodepulse/internal/geoip"
	"github.com/nodepulse/nodepulse/internal/ingest"
	"github.com/nodepulse/nodepulse/internal/netutil"
	"github.com/nodepulse/nodepulse/internal/nodestate"
	"github.com/nodepulse/nodepulse/internal/notify"
	"github.com/nodepulse/nodepulse/internal/parse"
	"github.com/nodepulse/nodepulse/internal/poll"
	"github.com/nodepulse/nodepulse/internal/stats"
	"github.com/nodepulse/nodepulse/internal/store"
	"github.com/nodepulse/nodepulse/internal/tail"
)

// Shutdown has this long to flush queues and close sockets before the
// process gives up and exits anyway.
const shutdownTimeout = 10 * time.Second

// geoipDownloadTimeout bounds a full mmdb fetch; the file runs to tens
// of megabytes on slow links.
const geoipDownloadTimeout = 5 * time.Minute

// pulseApp holds every long-lived component. Dependencies are passed
// explicitly; there is no global state.
type pulseApp struct {
	envCfg     *config.EnvConfig
	st         *store.Store
	geoSvc     *geoip.Service
	registry   *nodestate.Registry
	hub        *api.Hub
	server     *api.Server
	ingest     *ingest.Manager
	runner     *poll.Runner
	dispatcher *notify.Dispatcher
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	specs, err := config.LoadFleet(envCfg)
	if err != nil {
		return err
	}
	log.Printf("NodePulse %s (%s) watching %d nodes", buildinfo.Version, buildinfo.GitCommit, len(specs))

	app, err := newPulseApp(envCfg, specs)
	if err != nil {
		return err
	}

	serverErrCh := app.startServer()
	runtimeErr := waitForShutdown(serverErrCh, app.st.Fatal())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime error: %w", runtimeErr)
	}
	return nil
}

// newPulseApp wires the layers bottom-up: persistence, geoip, in-memory
// state, broadcast hub, alerting, ingestion, pollers. Everything is
// running when it returns.
func newPulseApp(envCfg *config.EnvConfig, specs []config.NodeSpec) (*pulseApp, error) {
	ctx := context.Background()

	st, err := store.Open(store.Config{
		Path:            envCfg.DatabaseFile,
		BatchInterval:   envCfg.DBWriteBatchInterval,
		LiveBatchSize:   envCfg.DBWriteBatchSize,
		BulkBatchSize:   envCfg.DBBulkBatchSize,
		QueueMaxSize:    envCfg.DBQueueMaxSize,
		MaxWriteRetries: envCfg.DBMaxRetries,
		RetryBaseDelay:  envCfg.DBRetryBaseDelay,
		RetryMaxDelay:   envCfg.DBRetryMaxDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	st.Start()
	if err := st.BackfillHourly(ctx, time.Now().UTC()); err != nil {
		st.Stop()
		return nil, fmt.Errorf("hourly backfill: %w", err)
	}

	geoSvc := geoip.NewService(geoip.ServiceConfig{
		DBPath:         envCfg.GeoIPDBPath,
		UpdateURL:      envCfg.GeoIPUpdateURL,
		UpdateSchedule: envCfg.GeoIPUpdateCron,
		CacheSize:      envCfg.GeoIPCacheSize,
		OpenDB:         geoip.MaxMindOpen,
		Downloader: &netutil.RetryDownloader{
			Direct: netutil.NewDirectDownloader(geoipDownloadTimeout, "nodepulse/"+buildinfo.Version),
		},
	})
	if err := geoSvc.Start(); err != nil {
		st.Stop()
		return nil, fmt.Errorf("starting geoip: %w", err)
	}

	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	registry := nodestate.NewRegistry(names)
	engine := stats.NewEngine(envCfg.StatsWindow, stats.DefaultTopPieces)

	// Sources idle on the gate while no dashboard is connected; the hub
	// owns it.
	gate := tail.NewGate(false)
	hub := api.NewHub(st, registry, engine, gate, envCfg.WSBatchInterval, envCfg.WSBatchSize)
	server := api.NewServerWithAddress(envCfg.ServerHost, envCfg.ServerPort, hub, envCfg.MaxWSClients)

	dispatcher := notify.NewDispatcher(buildNotifiers(envCfg)...)
	if n := dispatcher.Len(); n > 0 {
		log.Printf("Notifications enabled on %d channels", n)
	}
	alerts := alert.NewManager(st, hub, dispatcher, envCfg.AlertCooldown)
	hub.SetAlertManager(alerts)
	if active, err := st.ActiveAlerts(ctx, nil); err != nil {
		log.Printf("[main] loading active alerts: %v", err)
	} else {
		alerts.Hydrate(active)
	}

	parser := parse.New(geoResolver{svc: geoSvc})
	ing := ingest.NewManager(specs, registry, parser, st, hub, gate)

	pollers := poll.New(specs, st, registry, hub, alerts, poll.Config{
		StatsInterval:       envCfg.StatsInterval,
		PerformanceInterval: envCfg.PerformanceInterval,
		AggregateInterval:   envCfg.HourlyAggregationInterval,
		PruneInterval:       envCfg.PruneInterval,
		PollInterval:        envCfg.NodeAPIPollInterval,
		EvaluateInterval:    envCfg.AlertEvaluationInterval,
		APITimeout:          envCfg.NodeAPITimeout,
		Retention:           retentionFromEnv(envCfg),
		Thresholds:          thresholdsFromEnv(envCfg),
		Pricing:             pricingFromEnv(envCfg),
		ApplyHeld:           envCfg.HeldAmountApply,
		AnomalyDetection:    envCfg.EnableAnomalyDetection,
		FinancialTracking:   envCfg.EnableFinancialTracking,
	})

	hub.Start()
	ing.Start()
	runner := poll.NewRunner()
	pollers.Register(runner)

	return &pulseApp{
		envCfg:     envCfg,
		st:         st,
		geoSvc:     geoSvc,
		registry:   registry,
		hub:        hub,
		server:     server,
		ingest:     ing,
		runner:     runner,
		dispatcher: dispatcher,
	}, nil
}

// buildNotifiers assembles the enabled notification channels.
func buildNotifiers(cfg *config.EnvConfig) []notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.EnableWebhookNotifications {
		if cfg.DiscordWebhookURL != "" {
			notifiers = append(notifiers, &notify.DiscordNotifier{URL: cfg.DiscordWebhookURL})
		}
		if cfg.SlackWebhookURL != "" {
			notifiers = append(notifiers, &notify.SlackNotifier{URL: cfg.SlackWebhookURL})
		}
		if cfg.WebhookURL != "" {
			notifiers = append(notifiers, &notify.WebhookNotifier{URL: cfg.WebhookURL})
		}
	}
	if cfg.EnableEmailNotifications && cfg.SMTPHost != "" {
		notifiers = append(notifiers, &notify.EmailNotifier{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			To:       cfg.SMTPTo,
			UseTLS:   cfg.SMTPUseTLS,
			UseSSL:   cfg.SMTPUseSSL,
		})
	}
	return notifiers
}

// geoResolver adapts the GeoIP service to the parser's resolver
// interface.
type geoResolver struct {
	svc *geoip.Service
}

func (g geoResolver) Resolve(host string) (parse.Location, bool) {
	loc, ok := g.svc.Resolve(host)
	if !ok {
		return parse.Location{}, false
	}
	return parse.Location{Country: loc.Country, Latitude: loc.Latitude, Longitude: loc.Longitude}, true
}

func retentionFromEnv(cfg *config.EnvConfig) store.Retention {
	day := 24 * time.Hour
	// Rollups, reputation and storage history stay for the dashboards;
	// only the tables with configured horizons are pruned.
	return store.Retention{
		Events:     time.Duration(cfg.EventsRetentionDays) * day,
		Compaction: time.Duration(cfg.CompactionRetentionDays) * day,
		Alerts:     time.Duration(cfg.AlertsRetentionDays) * day,
		Insights:   time.Duration(cfg.InsightsRetentionDays) * day,
		Baselines:  time.Duration(cfg.BaselinesRetentionDays) * day,
		Earnings:   time.Duration(cfg.EarningsRetentionDays) * day,
	}
}

func thresholdsFromEnv(cfg *config.EnvConfig) alert.Thresholds {
	return alert.Thresholds{
		AuditWarning:       cfg.AuditScoreWarning,
		AuditCritical:      cfg.AuditScoreCritical,
		SuspensionCritical: cfg.SuspensionScoreCritical,
		OnlineWarning:      cfg.OnlineScoreWarning,
		StorageWarning:     cfg.StorageWarningPercent,
		StorageCritical:    cfg.StorageCriticalPercent,
		DaysFullWarning:    cfg.DaysUntilFullWarning,
		DaysFullCritical:   cfg.DaysUntilFullCritical,
		LatencyWarningMs:   float64(cfg.LatencyP99WarningMs),
		LatencyCriticalMs:  float64(cfg.LatencyP99CriticalMs),
	}
}

func pricingFromEnv(cfg *config.EnvConfig) analytics.Pricing {
	return analytics.Pricing{
		EgressPerTB:       cfg.PricingEgressPerTB,
		StoragePerTBMonth: cfg.PricingStoragePerTBMonth,
		RepairPerTB:       cfg.PricingRepairPerTB,
		AuditPerTB:        cfg.PricingAuditPerTB,
		ShareEgress:       cfg.OperatorShareEgress,
		ShareStorage:      cfg.OperatorShareStorage,
		ShareRepair:       cfg.OperatorShareRepair,
		ShareAudit:        cfg.OperatorShareAudit,
	}
}

func (a *pulseApp) startServer() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		addr := net.JoinHostPort(a.envCfg.ServerHost, strconv.Itoa(a.envCfg.ServerPort))
		log.Printf("Dashboard listening on http://%s", addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

// waitForShutdown blocks until a signal arrives, the HTTP server dies,
// or the store reports an unrecoverable database error.
func waitForShutdown(serverErrCh, dbFatalCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Server error (%v), shutting down...", err)
		return err
	case err := <-dbFatalCh:
		log.Printf("Database error (%v), shutting down...", err)
		return err
	}
}

// shutdown stops components in order: the listener and hub first so
// clients see a prompt close, then pollers, then ingestion so pending
// lines drain into the write queue, the store last so it can flush
// what the sources produced.
func (a *pulseApp) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Dashboard server stopped")

	a.hub.Stop()
	log.Println("Hub stopped")

	a.runner.Stop()
	log.Println("Pollers stopped")

	a.ingest.Stop()
	log.Println("Ingestion stopped")

	a.geoSvc.Stop()
	log.Println("GeoIP service stopped")

	a.dispatcher.Wait()

	a.st.Stop()
	log.Println("Store stopped")
}
