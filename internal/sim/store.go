package sim

import (
	"context"
	"fmt"
	"time"

	"driverlink/internal/config"
	"driverlink/internal/mylogger"
	"driverlink/internal/wsdto"

	"github.com/jackc/pgx/v5"
)

// Store persists what drivers send, so batch retry behavior can be inspected
// after a run.
type Store interface {
	SaveBatch(ctx context.Context, driverID string, points []wsdto.LocationPoint) error
	SaveDecision(ctx context.Context, driverID string, msg wsdto.RideDecisionMessage) error
	Close() error
}

// NopStore is used when no database is configured.
type NopStore struct{}

func (NopStore) SaveBatch(ctx context.Context, driverID string, points []wsdto.LocationPoint) error {
	return nil
}

func (NopStore) SaveDecision(ctx context.Context, driverID string, msg wsdto.RideDecisionMessage) error {
	return nil
}

func (NopStore) Close() error { return nil }

// PostgresStore writes location history and ride decisions over a single pgx
// connection.
type PostgresStore struct {
	conn *pgx.Conn
	log  mylogger.Logger
}

// ConnectStore establishes the connection with retry.
func ConnectStore(ctx context.Context, cfg *config.DBconfig, log mylogger.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%v:%v@%v:%v/%v?sslmode=disable",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
	)

	var lastErr error
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err := pgx.Connect(ctx, connStr)
		if err != nil {
			lastErr = fmt.Errorf("failed to connect to database: %w", err)
			log.Error(fmt.Sprintf("DB connection attempt %d failed", i+1), err)
			time.Sleep(time.Second * time.Duration(i+1))
			continue
		}
		log.Info("Successfully connected to the database")
		return &PostgresStore{conn: conn, log: log}, nil
	}
	return nil, fmt.Errorf("failed to connect to the database after %d attempts: %w", cfg.MaxRetries, lastErr)
}

func (s *PostgresStore) SaveBatch(ctx context.Context, driverID string, points []wsdto.LocationPoint) error {
	InsertQuery := `
		INSERT INTO location_history(driver_id, latitude, longitude, accuracy_meters, speed_kmh, heading_degrees, tracking_phase, captured_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	for _, pt := range points {
		_, err := s.conn.Exec(ctx, InsertQuery,
			driverID, pt.Latitude, pt.Longitude, pt.AccuracyMeters,
			pt.SpeedKmh, pt.HeadingDegrees, pt.TrackingPhase, pt.CapturedAt,
		)
		if err != nil {
			return fmt.Errorf("insert location point: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveDecision(ctx context.Context, driverID string, msg wsdto.RideDecisionMessage) error {
	InsertQuery := `
		INSERT INTO ride_decisions(driver_id, offer_id, ride_id, accepted, cause)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := s.conn.Exec(ctx, InsertQuery, driverID, msg.OfferID, msg.RideID, msg.Accepted, msg.Cause)
	if err != nil {
		return fmt.Errorf("insert ride decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.conn.Close(context.Background())
}
