package bootstrap

import (
	"log/slog"

	"github.com/reliefops/aiqueue/config"
	"github.com/reliefops/aiqueue/internal/observability/notify/pagerduty"
	"github.com/reliefops/aiqueue/internal/observability/notify/slack"
	"github.com/reliefops/aiqueue/internal/observability/statsd"
	"github.com/reliefops/aiqueue/internal/service/alerting"
)

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink    *statsd.Client
	MetricsConfig  config.ObservabilityMetricsConfig
	Alerts         *alerting.Service
	NotifierConfig config.ObservabilityNotificationsConfig
}

func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "aiqueue",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	alerts := buildAlertNotifier(obsLogger, cfg.Notifications)

	return ObservabilityContainer{
		MetricsSink:    metricsSink,
		MetricsConfig:  cfg.Metrics,
		Alerts:         alerts,
		NotifierConfig: cfg.Notifications,
	}
}

func buildAlertNotifier(logger *slog.Logger, cfg config.ObservabilityNotificationsConfig) *alerting.Service {
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	if !cfg.Enabled {
		return alerting.NewService(alerting.Options{
			Logger: baseLogger.With("component", "alert_notifier"),
		})
	}

	sinks := make([]alerting.SinkRegistration, 0, 2)

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			baseLogger.Error("failed to initialise slack notifier", "error", err)
		} else {
			sinks = append(sinks, alerting.SinkRegistration{
				Name: "slack",
				Sink: client,
			})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			baseLogger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			sinks = append(sinks, alerting.SinkRegistration{
				Name: "pagerduty",
				Sink: client,
			})
		}
	}

	return alerting.NewService(alerting.Options{
		Logger: baseLogger.With("component", "alert_notifier"),
		Sinks:  sinks,
	})
}
