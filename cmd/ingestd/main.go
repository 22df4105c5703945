package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	apihttp "attendance-cloud/internal/api/http"
	"attendance-cloud/internal/attendance/application"
	attendancerepo "attendance-cloud/internal/attendance/infrastructure/postgres"
	pushhttp "attendance-cloud/internal/attendance/interfaces/http"
	"attendance-cloud/internal/audit"
	"attendance-cloud/internal/auth"
	dedupstore "attendance-cloud/internal/ingest/dedup/postgres"
	queuestore "attendance-cloud/internal/ingest/pushqueue/postgres"
	masterdatarepo "attendance-cloud/internal/masterdata/infrastructure/postgres"
	"attendance-cloud/internal/notify"
	"attendance-cloud/internal/observability/metrics"
	"attendance-cloud/internal/workhours"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatalf("bad timezone %q: %v", cfg.Timezone, err)
	}
	cutoff, err := parseClock(cfg.MiddayCutoff)
	if err != nil {
		logger.Fatalf("bad midday cutoff %q: %v", cfg.MiddayCutoff, err)
	}

	hours, err := workhours.LoadConfig()
	if err != nil {
		logger.Fatalf("workhours config error: %v", err)
	}

	deviceRepo := masterdatarepo.NewDeviceRepository(db)
	mappingRepo := masterdatarepo.NewUserMappingRepository(db)
	recordRepo := attendancerepo.NewAttendanceRepository(db)
	index := dedupstore.NewStore(db)
	auditRepo := audit.NewRepository(db)

	reconcilerOpts := []application.Option{
		application.WithAuditLogger(auditRepo),
		application.WithLocation(loc),
		application.WithMiddayCutoff(cutoff),
	}
	if cfg.WebhookURL != "" {
		reconcilerOpts = append(reconcilerOpts, application.WithNotifier(notify.NewWebhookNotifier(cfg.WebhookURL)))
	}
	reconciler, err := application.NewReconciler(recordRepo, mappingRepo, index, hours, logger, reconcilerOpts...)
	if err != nil {
		logger.Fatalf("reconciler error: %v", err)
	}

	pushQueue := queuestore.NewStore(db)
	pushHandler, err := pushhttp.NewPushHandler(deviceRepo, reconciler, pushQueue, logger,
		pushhttp.WithDrainBatchSize(cfg.PushDrainBatch),
		pushhttp.WithPushLocation(loc),
	)
	if err != nil {
		logger.Fatalf("push handler error: %v", err)
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/device/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/device/push-attendance", ingestAuth.Wrap(pushHandler))
	mux.Handle("/device/health-check", pushhttp.HealthCheckHandler())
	mux.Handle("/api/v1/devices", apihttp.NewDevicesHandler(deviceRepo, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("http server error: %v", err)
	}

	// Accepted pushes drain before exit; anything still stored at a hard
	// kill is replayed on the next start.
	pushHandler.Close()
	logger.Printf("shutdown complete")
}

type config struct {
	DatabaseURL       string
	HTTPAddr          string
	Timezone          string
	MiddayCutoff      string
	WebhookURL        string
	JWTSecret         string
	IngestSecret      string
	IngestSkewSeconds int
	PushDrainBatch    int
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		Timezone:          getenvDefault("ATTENDANCE_TIMEZONE", "UTC"),
		MiddayCutoff:      getenvDefault("ATTENDANCE_MIDDAY_CUTOFF", "12:00"),
		WebhookURL:        getenvDefault("NOTIFY_WEBHOOK_URL", ""),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret:      getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds: getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
		PushDrainBatch:    getenvIntDefault("PUSH_DRAIN_BATCH", 64),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
