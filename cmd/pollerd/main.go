package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attendance-cloud/internal/attendance/application"
	attendancerepo "attendance-cloud/internal/attendance/infrastructure/postgres"
	"attendance-cloud/internal/audit"
	dedupstore "attendance-cloud/internal/ingest/dedup/postgres"
	masterdata "attendance-cloud/internal/masterdata/domain"
	masterdatarepo "attendance-cloud/internal/masterdata/infrastructure/postgres"
	"attendance-cloud/internal/notify"
	"attendance-cloud/internal/observability/metrics"
	"attendance-cloud/internal/poller"
	"attendance-cloud/internal/terminal"
	"attendance-cloud/internal/terminal/essl"
	"attendance-cloud/internal/terminal/zkt"
	"attendance-cloud/internal/workhours"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	databaseURL := getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", ""))
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL or PG_DSN is required")
	}
	httpAddr := getenvDefault("POLLER_HTTP_ADDR", ":9090")
	webhookURL := getenvDefault("NOTIFY_WEBHOOK_URL", "")

	cfg, err := poller.LoadConfig()
	if err != nil {
		logger.Fatalf("poller config error: %v", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatalf("poller config error: %v", err)
	}
	cutoff, err := cfg.CutoffDuration()
	if err != nil {
		logger.Fatalf("poller config error: %v", err)
	}
	hours, err := workhours.LoadConfig()
	if err != nil {
		logger.Fatalf("workhours config error: %v", err)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	deviceRepo := masterdatarepo.NewDeviceRepository(db)
	mappingRepo := masterdatarepo.NewUserMappingRepository(db)
	recordRepo := attendancerepo.NewAttendanceRepository(db)
	index := dedupstore.NewStore(db)
	auditRepo := audit.NewRepository(db)

	var notifier notify.Notifier
	if webhookURL != "" {
		notifier = notify.NewWebhookNotifier(webhookURL)
	}

	reconcilerOpts := []application.Option{
		application.WithAuditLogger(auditRepo),
		application.WithLocation(loc),
		application.WithMiddayCutoff(cutoff),
	}
	if notifier != nil {
		reconcilerOpts = append(reconcilerOpts, application.WithNotifier(notifier))
	}
	reconciler, err := application.NewReconciler(recordRepo, mappingRepo, index, hours, logger, reconcilerOpts...)
	if err != nil {
		logger.Fatalf("reconciler error: %v", err)
	}

	adapters := terminal.NewRegistry()
	adapters.Register(masterdata.FamilyZKT, zkt.NewAdapter(cfg.ConnectTimeout, loc))
	adapters.Register(masterdata.FamilyESSL, essl.NewAdapter(cfg.ESSLToken, cfg.ConnectTimeout, loc))

	schedulerOpts := []poller.SchedulerOption{}
	if notifier != nil {
		schedulerOpts = append(schedulerOpts, poller.WithNotifier(notifier))
	}
	scheduler := poller.NewScheduler(deviceRepo, adapters, reconciler, index, cfg, logger, schedulerOpts...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		logger.Printf("http listening on %s", httpAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Printf("poller started: tick=%s concurrency=%d", cfg.TickInterval, cfg.MaxConcurrency)
	scheduler.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	logger.Printf("shutdown complete")
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
