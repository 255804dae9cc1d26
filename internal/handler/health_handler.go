package handler

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"tessra/internal/cache"
)

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status    string         `json:"status"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// BrokerStatus is the part of the message broker connection readiness needs.
type BrokerStatus interface {
	IsClosed() bool
}

// Ready returns readiness check with dependencies. broker may be nil when job
// event publishing is disabled.
func Ready(db *sql.DB, store cache.Store, broker BrokerStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		dbResult := make(chan HealthCheckResult, 1)
		redisResult := make(chan HealthCheckResult, 1)

		go func() {
			dbResult <- checkDatabase(ctx, db)
		}()

		go func() {
			redisResult <- checkRedis(ctx, store)
		}()

		checks := map[string]HealthCheckResult{
			"database": <-dbResult,
			"redis":    <-redisResult,
		}
		if broker != nil {
			checks["rabbitmq"] = checkRabbitMQ(broker)
		}

		status, code := "ready", http.StatusOK
		for _, c := range checks {
			if c.Status != "up" {
				status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}

		writeJSON(w, code, map[string]any{
			"status":    status,
			"timestamp": time.Now().Format(time.RFC3339),
			"checks":    checks,
		})
	}
}

// checkDatabase verifies database connectivity
func checkDatabase(ctx context.Context, db *sql.DB) HealthCheckResult {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	if err != nil {
		return HealthCheckResult{
			Status:    "down",
			LatencyMs: latency.Milliseconds(),
			Error:     err.Error(),
		}
	}

	stats := db.Stats()
	return HealthCheckResult{
		Status:    "up",
		LatencyMs: latency.Milliseconds(),
		Metadata: map[string]any{
			"connections_open":   stats.OpenConnections,
			"connections_in_use": stats.InUse,
			"connections_idle":   stats.Idle,
			"max_open":           stats.MaxOpenConnections,
		},
	}
}

func checkRedis(ctx context.Context, store cache.Store) HealthCheckResult {
	start := time.Now()
	if err := store.Ping(ctx); err != nil {
		return HealthCheckResult{
			Status:    "down",
			LatencyMs: time.Since(start).Milliseconds(),
			Error:     err.Error(),
		}
	}
	return HealthCheckResult{Status: "up", LatencyMs: time.Since(start).Milliseconds()}
}

// checkRabbitMQ verifies RabbitMQ connectivity
func checkRabbitMQ(broker BrokerStatus) HealthCheckResult {
	if broker.IsClosed() {
		return HealthCheckResult{
			Status: "down",
			Error:  "connection closed",
		}
	}
	return HealthCheckResult{Status: "up"}
}
