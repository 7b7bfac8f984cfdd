package location

import (
	"context"
	"math"
	"sync"
	"time"

	"driverlink/internal/config"
	"driverlink/internal/mylogger"
)

// Sample is one immutable position fix. CapturedAt comes from time.Now at
// capture, so it carries both the wall clock and the monotonic reading.
// TrackingPhase is stamped by the session when the sample is accepted, so a
// point buffered across a ride-state change keeps the phase it was captured
// under.
type Sample struct {
	Latitude       float64
	Longitude      float64
	AccuracyMeters float64
	SpeedKmh       float64
	HeadingDegrees float64
	TrackingPhase  string
	CapturedAt     time.Time
}

// Sensor is the platform location service: a permission request plus a
// continuous position callback. The callback fires on the platform's own
// schedule; the sampler applies its thresholds on top.
type Sensor interface {
	RequestPermission(ctx context.Context) (bool, error)
	Subscribe(fn func(Sample)) (cancel func(), err error)
}

// Sampler subscribes to the sensor and forwards a sample to the batcher only
// when the driver moved far enough or enough time passed, bounding the
// sample rate.
type Sampler struct {
	cfg    *config.Locationconfig
	log    mylogger.Logger
	sensor Sensor
	sink   func(Sample)

	mu     sync.Mutex
	cancel func()
	last   *Sample
}

func NewSampler(cfg *config.Locationconfig, log mylogger.Logger, sensor Sensor, sink func(Sample)) *Sampler {
	return &Sampler{
		cfg:    cfg,
		log:    log.With("component", "sampler"),
		sensor: sensor,
		sink:   sink,
	}
}

// StartTracking requests the sensor permission and subscribes. A denied
// permission is a recoverable condition reported as false, not an error.
// Idempotent while already tracking.
func (s *Sampler) StartTracking(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return true, nil
	}
	s.mu.Unlock()

	granted, err := s.sensor.RequestPermission(ctx)
	if err != nil {
		return false, err
	}
	if !granted {
		s.log.Action("permission_denied").Warn("location permission denied, tracking not started")
		return false, nil
	}

	cancel, err := s.sensor.Subscribe(s.onSample)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.last = nil
	s.mu.Unlock()
	return true, nil
}

// StopTracking releases the sensor subscription. Safe to call from any state.
func (s *Sampler) StopTracking() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.last = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Sampler) onSample(sample Sample) {
	s.mu.Lock()
	if s.cancel == nil {
		// Late callback after StopTracking.
		s.mu.Unlock()
		return
	}
	if s.last != nil {
		moved := Distance(s.last.Latitude, s.last.Longitude, sample.Latitude, sample.Longitude)
		elapsed := sample.CapturedAt.Sub(s.last.CapturedAt)
		if moved < s.cfg.MinDistanceMeters && elapsed < s.cfg.MinInterval {
			s.mu.Unlock()
			return
		}
	}
	s.last = &sample
	s.mu.Unlock()

	s.sink(sample)
}

// Distance is the haversine distance between two coordinates in meters.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	const R = 6371000 // Earth radius in meters
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	rLat1 := lat1 * math.Pi / 180
	rLat2 := lat2 * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Sin(dLng/2)*math.Sin(dLng/2)*math.Cos(rLat1)*math.Cos(rLat2)
	return 2 * R * math.Asin(math.Sqrt(h))
}
