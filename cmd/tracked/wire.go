package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/tracked/internal/config"
	"github.com/banshee-data/tracked/internal/connectivity"
	"github.com/banshee-data/tracked/internal/delivery"
	"github.com/banshee-data/tracked/internal/gpsmux"
	"github.com/banshee-data/tracked/internal/location"
	"github.com/banshee-data/tracked/internal/session"
	"github.com/banshee-data/tracked/internal/stationary"
)

func sessionConfig(c *config.Config) session.Config {
	t := c.Tracking
	return session.Config{
		Request: location.Request{
			Interval:              t.Interval,
			MinDisplacementMeters: t.MinDisplacementMeters,
			Priority:              location.PriorityHighAccuracy,
		},
		Gate: location.GateConfig{
			MaxAccuracyMeters: t.MaxAccuracyMeters,
			MaxJumpMeters:     t.MaxJumpMeters,
			MinMoveMeters:     t.MinMoveMeters,
			MinSpeedMps:       t.MinSpeedMps,
		},
		ProcessNoise:     t.ProcessNoise,
		MeasurementNoise: t.MeasurementNoise,
		Stationary: stationary.Config{
			ThresholdMeters: t.StationaryMeters,
			Duration:        t.StationaryDuration,
		},
		FreshFixTimeout:      t.FreshFixTimeout,
		CheckoutRadiusMeters: t.CheckoutRadiusMeters,
	}
}

func deliveryConfig(c *config.Config) delivery.Config {
	s := c.Sync
	return delivery.Config{
		BatchSize:     s.BatchSize,
		Workers:       s.Workers,
		QueueSize:     s.QueueSize,
		Interval:      s.Interval,
		MaxBackoff:    s.MaxBackoff,
		MinTriggerGap: s.MinTriggerGap,
		StuckAfter:    delivery.DefaultStuckAfter,
	}
}

// watcherChecker answers from the watcher's last poll so deliveries do not
// each probe the network.
func watcherChecker(w *connectivity.Watcher) connectivity.Checker {
	return connectivity.CheckerFunc(func(context.Context) bool { return w.Online() })
}

// replayLineInterval plays one GGA/RMC pair per second, the cadence the
// fixtures were recorded at.
const replayLineInterval = 500 * time.Millisecond

// openReceiver opens the configured serial receiver, or a replay of recorded
// sentences in dev mode.
func openReceiver(c *config.Config, dev bool, fixturePath string, logger *zap.Logger) (gpsmux.MuxInterface, error) {
	if dev {
		lines := gpsmux.DefaultFixtures()
		if fixturePath != "" {
			var err error
			if lines, err = gpsmux.LoadFixtures(fixturePath); err != nil {
				return nil, err
			}
		}
		logger.Info("replaying recorded NMEA", zap.Int("lines", len(lines)), zap.String("fixtures", fixturePath))
		return gpsmux.NewReplayMux(lines, replayLineInterval), nil
	}
	m, err := gpsmux.Open(c.GPS.Device, gpsmux.PortOptions{BaudRate: c.GPS.BaudRate})
	if err != nil {
		return nil, err
	}
	return m, nil
}
