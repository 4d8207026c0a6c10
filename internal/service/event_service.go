package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"classpage-auth/internal/bucketing"
	"classpage-auth/internal/client"
	"classpage-auth/internal/model"
	"classpage-auth/internal/util"
)

// EventRecorder publishes auth audit events to Kafka and mirrors them into
// ClickHouse. Recording is fire-and-forget: a broken audit pipeline must
// never fail a login.
type EventRecorder struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	buckets    *bucketing.BucketingManager
}

func NewEventRecorder(producer *client.KafkaProducer, clickhouse *client.ClickHouseClient, buckets *bucketing.BucketingManager) *EventRecorder {
	return &EventRecorder{producer: producer, clickhouse: clickhouse, buckets: buckets}
}

const insertAuthEvent = `
    INSERT INTO auth_events (
        event_time, event_type, identifier_hash, user_id,
        origin_ip, user_agent, outcome, detail
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// Record publishes the event asynchronously with its own timeout, detached
// from the request context so an aborted request still gets audited.
func (r *EventRecorder) Record(event model.AuthEvent) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if r.producer != nil {
			payload, err := json.Marshal(event)
			if err != nil {
				util.Error("failed to marshal auth event", zap.Error(err))
				return
			}
			// Key by event bucket so volume spreads across partitions
			// instead of funnelling per event type.
			key := strconv.Itoa(r.buckets.EventBucket(event.IdentifierHash + event.UserID))
			if err := r.producer.ProduceMessage(ctx, []byte(key), payload); err != nil {
				util.Warn("failed to publish auth event",
					zap.String("event_type", event.EventType),
					zap.Error(err))
			}
		}

		if r.clickhouse != nil {
			err := r.clickhouse.Exec(ctx, insertAuthEvent,
				event.EventTime, event.EventType, event.IdentifierHash, event.UserID,
				event.OriginIP, event.UserAgent, event.Outcome, event.Detail,
			)
			if err != nil {
				util.Warn("failed to store auth event",
					zap.String("event_type", event.EventType),
					zap.Error(err))
			}
		}
	}()
}
