package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"driverlink/internal/config"
	"driverlink/internal/mylogger"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	rideExchangeName = "ride_topic" // topic
	rideRequestQueue = "dispatchsim_ride_requests"
	rideRequestKey   = "ride.request.*"
)

// RideRequest is the broker-side trigger for an offer: some upstream service
// asking the simulator to find a driver.
type RideRequest struct {
	RideID              string       `json:"ride_id"`
	RideNumber          string       `json:"ride_number"`
	PickupLocation      RequestPoint `json:"pickup_location"`
	DestinationLocation RequestPoint `json:"destination_location"`
	EstimatedFare       float64      `json:"estimated_fare"`
	RideType            string       `json:"ride_type"`
	CorrelationID       string       `json:"correlation_id"`
}

type RequestPoint struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

// DriverMatch is published back once a driver accepts.
type DriverMatch struct {
	RideID        string `json:"ride_id"`
	DriverID      string `json:"driver_id"`
	Accepted      bool   `json:"accepted"`
	CorrelationID string `json:"correlation_id"`
}

// Rabbit wraps one AMQP connection and channel for the simulator.
type Rabbit struct {
	log  mylogger.Logger
	conn *amqp.Connection
	ch   *amqp.Channel
}

func ConnectRabbit(cfg *config.RabbitMqconfig, log mylogger.Logger) (*Rabbit, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost,
	)
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbit connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbit channel: %w", err)
	}
	if err := ch.ExchangeDeclare(rideExchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Rabbit{log: log, conn: conn, ch: ch}, nil
}

// ConsumeRequests binds the ride-request queue and streams decoded requests
// until ctx is cancelled. Malformed deliveries are rejected without requeue.
func (r *Rabbit) ConsumeRequests(ctx context.Context) (<-chan RideRequest, error) {
	_, err := r.ch.QueueDeclare(rideRequestQueue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("queue declare: %w", err)
	}
	if err := r.ch.QueueBind(rideRequestQueue, rideRequestKey, rideExchangeName, false, nil); err != nil {
		return nil, fmt.Errorf("queue bind: %w", err)
	}

	deliveries, err := r.ch.Consume(rideRequestQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}

	out := make(chan RideRequest)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-deliveries:
				if !ok {
					return
				}
				var req RideRequest
				if err := json.Unmarshal(m.Body, &req); err != nil {
					r.log.Action("bad_ride_request").Warn("rejecting malformed ride request", "error", err.Error())
					m.Nack(false, false)
					continue
				}
				m.Ack(false)
				out <- req
			}
		}
	}()
	return out, nil
}

// PublishMatch reports a driver's acceptance back to the requesting side.
func (r *Rabbit) PublishMatch(ctx context.Context, match DriverMatch) error {
	body, err := json.Marshal(match)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	pubctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return r.ch.PublishWithContext(pubctx, rideExchangeName,
		fmt.Sprintf("driver.response.%s", match.RideID), false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

func (r *Rabbit) Close() error {
	if r.ch != nil && !r.ch.IsClosed() {
		if err := r.ch.Close(); err != nil {
			return fmt.Errorf("close channel: %w", err)
		}
	}
	if r.conn != nil && !r.conn.IsClosed() {
		if err := r.conn.Close(); err != nil {
			return fmt.Errorf("close connection: %w", err)
		}
	}
	return nil
}
