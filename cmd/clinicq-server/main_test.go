package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                         "development",
		CORSOrigins:                 []string{"*"},
		DefaultConsultationMinutes:  12.5,
		MinValidConsultationMinutes: 5,
		MaxValidConsultationMinutes: 60,
		ProgressCacheTTL:            5 * time.Second,
		ReadRetryAttempts:           4,
		ReadRetryBaseDelay:          20 * time.Millisecond,
		Timezone:                    "Asia/Kolkata",
		NotifyBuffer:                8,
		NotifyStream:                "clinicq:test",
	}
}

func TestQueueConfig(t *testing.T) {
	qcfg, err := queueConfig(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if qcfg.DefaultConsultation != 12*time.Minute+30*time.Second {
		t.Errorf("DefaultConsultation = %v", qcfg.DefaultConsultation)
	}
	if qcfg.MinValidConsultation != 5*time.Minute || qcfg.MaxValidConsultation != time.Hour {
		t.Errorf("bounds = %v..%v", qcfg.MinValidConsultation, qcfg.MaxValidConsultation)
	}
	if qcfg.Location.String() != "Asia/Kolkata" {
		t.Errorf("Location = %v", qcfg.Location)
	}
	if qcfg.ReadRetry.Attempts != 4 || qcfg.ReadRetry.BaseDelay != 20*time.Millisecond {
		t.Errorf("ReadRetry = %+v", qcfg.ReadRetry)
	}
}

func TestQueueConfig_BadTimezone(t *testing.T) {
	cfg := testConfig()
	cfg.Timezone = "Mars/Olympus"
	if _, err := queueConfig(cfg); err == nil {
		t.Fatal("expected an error for an unknown timezone")
	}
}

func routeSet(t *testing.T, withRedis bool) map[string]bool {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	var rdb *redis.Client
	if withRedis {
		mr := miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer rdb.Close()
	}

	a, err := buildApp(testConfig(), mock, rdb, prometheus.NewRegistry(), zerolog.Nop())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	e := newEcho(testConfig(), zerolog.Nop())
	a.register(e.Group("/api/v1"))

	routes := make(map[string]bool)
	for _, r := range e.Routes() {
		routes[r.Method+" "+r.Path] = true
	}
	return routes
}

func TestBuildApp_Routes(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		routes := routeSet(t, withRedis)
		for _, want := range []string{
			"POST /api/v1/schedules",
			"POST /api/v1/schedules/:id/arrival",
			"POST /api/v1/bookings",
			"PUT /api/v1/appointments/:id/status",
			"GET /api/v1/appointments/:id/eta",
			"GET /api/v1/queue/progress",
			"GET /api/v1/ws",
			"GET /api/v1/wallets/:patient_id",
			"POST /api/v1/wallets/:patient_id/transactions",
			"POST /api/v1/schedules/:id/cancel",
			"POST /api/v1/schedules/:id/partial-cancel",
			"POST /api/v1/appointments/:id/refund",
		} {
			if !routes[want] {
				t.Errorf("redis=%v: missing route %s", withRedis, want)
			}
		}
	}
}

func TestNewEcho_TrustsActorHeaderInDevelopment(t *testing.T) {
	e := newEcho(testConfig(), zerolog.Nop())
	var actor string
	e.GET("/whoami", func(c echo.Context) error {
		actor, _ = c.Get("actor_id").(string)
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("X-Actor-ID", "reception-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if actor != "reception-1" {
		t.Errorf("actor = %q, want reception-1", actor)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestBuildApp_RejectsBadWebhookURL(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	cfg := testConfig()
	cfg.NotifyWebhookURL = "gateway.internal/sms"
	if _, err := buildApp(cfg, mock, nil, prometheus.NewRegistry(), zerolog.Nop()); err == nil {
		t.Fatal("expected an error for a relative webhook url")
	}
}
