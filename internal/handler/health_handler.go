package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"classpage-auth/internal/client"
	"classpage-auth/internal/repository/scylla"
)

// HealthHandler reports liveness of each backing store. Redis and Scylla
// are required; Kafka and ClickHouse degrade the report without failing it,
// since audit delivery is fire-and-forget anyway.
type HealthHandler struct {
	redis      *client.RedisClient
	scylla     *scylla.ScyllaClient
	kafka      *client.KafkaProducer
	clickhouse *client.ClickHouseClient
}

func NewHealthHandler(
	redis *client.RedisClient,
	scyllaClient *scylla.ScyllaClient,
	kafka *client.KafkaProducer,
	clickhouse *client.ClickHouseClient,
) *HealthHandler {
	return &HealthHandler{
		redis:      redis,
		scylla:     scyllaClient,
		kafka:      kafka,
		clickhouse: clickhouse,
	}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := h.redis.HealthCheck(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	if err := h.scylla.HealthCheck(); err != nil {
		checks["scylla"] = err.Error()
		healthy = false
	} else {
		checks["scylla"] = "ok"
	}

	if h.kafka != nil {
		if err := h.kafka.HealthCheck(ctx); err != nil {
			checks["kafka"] = "degraded: " + err.Error()
		} else {
			checks["kafka"] = "ok"
		}
	}
	if h.clickhouse != nil {
		if err := h.clickhouse.HealthCheck(ctx); err != nil {
			checks["clickhouse"] = "degraded: " + err.Error()
		} else {
			checks["clickhouse"] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": map[bool]string{true: "healthy", false: "unhealthy"}[healthy],
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
