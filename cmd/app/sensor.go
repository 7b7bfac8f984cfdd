package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"driverlink/internal/location"
)

// SimulatedSensor emits a random walk around a starting coordinate, standing
// in for the platform location service during development.
type SimulatedSensor struct {
	interval time.Duration

	mu   sync.Mutex
	lat  float64
	lng  float64
	stop chan struct{}
}

func NewSimulatedSensor(lat, lng float64, interval time.Duration) *SimulatedSensor {
	return &SimulatedSensor{
		interval: interval,
		lat:      lat,
		lng:      lng,
	}
}

func (s *SimulatedSensor) RequestPermission(ctx context.Context) (bool, error) {
	return true, nil
}

func (s *SimulatedSensor) Subscribe(fn func(location.Sample)) (func(), error) {
	stop := make(chan struct{})
	s.mu.Lock()
	s.stop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				// Simulate small movement
				s.lat += (rand.Float64() - 0.5) / 1000
				s.lng += (rand.Float64() - 0.5) / 1000
				sample := location.Sample{
					Latitude:       s.lat,
					Longitude:      s.lng,
					AccuracyMeters: 5.0,
					SpeedKmh:       40 + rand.Float64()*10,
					HeadingDegrees: rand.Float64() * 360,
					CapturedAt:     time.Now(),
				}
				s.mu.Unlock()
				fn(sample)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(stop) })
	}, nil
}
