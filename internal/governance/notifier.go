// Kestrel - Behavioral Observation Alerting and Calibration
// Copyright 2026 Kestrel Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/kestrelwatch/kestrel

package governance

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/goccy/go-json"

	"github.com/kestrelwatch/kestrel/internal/detection"
	"github.com/kestrelwatch/kestrel/internal/metrics"
)

// TopicAdmittedAlerts is the notification channel topic admitted alerts
// are published to.
const TopicAdmittedAlerts = "alerts.admitted"

// NotifierConfig configures the admitted-alert publisher.
type NotifierConfig struct {
	// PublishesPerSecond rate-limits notification publishing. Zero
	// disables limiting.
	PublishesPerSecond float64 `koanf:"publishes_per_second"`

	// BreakerMaxFailures trips the circuit after this many consecutive
	// publish failures.
	BreakerMaxFailures uint32 `koanf:"breaker_max_failures"`

	// BreakerOpenInterval is how long the circuit stays open before a
	// half-open probe.
	BreakerOpenInterval time.Duration `koanf:"breaker_open_interval"`
}

// DefaultNotifierConfig returns sensible defaults.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		PublishesPerSecond:  50,
		BreakerMaxFailures:  5,
		BreakerOpenInterval: 30 * time.Second,
	}
}

// Notifier publishes admitted alerts to a watermill publisher behind a
// circuit breaker. Publishing is fail-soft: a failure loses the
// notification, never the alert.
type Notifier struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[struct{}]
	limiter   *rate.Limiter
}

// NewNotifier wraps a watermill publisher. The gochannel Pub/Sub is the
// in-process default; any message.Publisher (NATS, ...) slots in.
func NewNotifier(publisher message.Publisher, config NotifierConfig) *Notifier {
	settings := gobreaker.Settings{
		Name:    "alert-notifier",
		Timeout: config.BreakerOpenInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerMaxFailures
		},
	}
	n := &Notifier{
		publisher: publisher,
		breaker:   gobreaker.NewCircuitBreaker[struct{}](settings),
	}
	if config.PublishesPerSecond > 0 {
		n.limiter = rate.NewLimiter(rate.Limit(config.PublishesPerSecond), 1)
	}
	return n
}

// Publish sends one admitted alert to the notification channel.
func (n *Notifier) Publish(ctx context.Context, alert *detection.AlertEvent) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("notifier rate limit: %w", err)
		}
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert notification: %w", err)
	}

	_, err = n.breaker.Execute(func() (struct{}, error) {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("subject_id", alert.SubjectID)
		msg.Metadata.Set("severity", string(alert.Severity))
		return struct{}{}, n.publisher.Publish(TopicAdmittedAlerts, msg)
	})
	if err != nil {
		metrics.PublishErrors.Inc()
		return fmt.Errorf("publish admitted alert: %w", err)
	}
	metrics.AlertsPublished.Inc()
	return nil
}
