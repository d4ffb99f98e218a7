package app

import (
	"errors"
	"time"

	"relaybot/internal/config"
	"relaybot/internal/relay"
	"relaybot/pkg/logx"
)

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// schedulerConfig maps the declarative relay block onto the engine config,
// parsing every duration string. It doubles as the reload validator.
func schedulerConfig(cfg *config.Config) (relay.SchedulerConfig, error) {
	r := cfg.Relay
	var errs []error
	dur := func(path, raw string) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, 0)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	sc := relay.SchedulerConfig{
		MaxTasks:        r.MaxTasks,
		MaxPerPrincipal: r.MaxTasksPerPrincipal,
		Defaults: relay.TaskConfig{
			Limiter: relay.LimiterConfig{
				BaseDelay:    dur("relay.limiter.base_delay", r.Limiter.BaseDelay),
				MinDelay:     dur("relay.limiter.min_delay", r.Limiter.MinDelay),
				MaxDelay:     dur("relay.limiter.max_delay", r.Limiter.MaxDelay),
				MaxPerMinute: r.Limiter.MaxPerMinute,
			},
			Batch: relay.BatchConfig{
				First:       r.Batch.First,
				Min:         r.Batch.Min,
				Max:         r.Batch.Max,
				Step:        r.Batch.Step,
				GroupProbe:  r.Batch.GroupProbe,
				SparseProbe: r.Batch.SparseProbe,
				FastWindow:  dur("relay.batch.fast_window", r.Batch.FastWindow),
				SlowWindow:  dur("relay.batch.slow_window", r.Batch.SlowWindow),
				RetryMax:    r.Batch.FetchRetryMax,
			},
			Delivery: relay.DeliveryConfig{
				GroupCap:  r.Delivery.GroupCap,
				QueueSize: r.Delivery.QueueSize,
				RetryMax:  r.Delivery.RetryMax,
				RetryBase: dur("relay.delivery.retry_base", r.Delivery.RetryBase),
			},
			CheckpointEvery: dur("relay.checkpoint_every", r.CheckpointEvery),
			Deadline:        dur("relay.task_deadline", r.TaskDeadline),
		},
	}
	if len(errs) > 0 {
		return relay.SchedulerConfig{}, errors.Join(errs...)
	}
	return sc, nil
}
