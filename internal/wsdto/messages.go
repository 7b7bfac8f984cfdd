package wsdto

import (
	"encoding/json"
	"time"
)

// WebSocket message types
const (
	MessageTypeAuth             = "auth"
	MessageTypeAuthAck          = "auth_ack"
	MessageTypeAuthError        = "auth_error"
	MessageTypeRideOffer        = "ride_offer"
	MessageTypeRideDecision     = "ride_decision"
	MessageTypeRideCodeResult   = "ride_code_result"
	MessageTypeTripCompleted    = "trip_completed"
	MessageTypeLocationUpdate   = "location_update"
	MessageTypeLocationBatch    = "location_batch"
	MessageTypeLocationBatchAck = "location_batch_ack"
	MessageTypeArrivedPickup    = "arrived_pickup"
	MessageTypeCompleteTrip     = "complete_trip"
	MessageTypeError            = "error"
)

// Decision causes carried on ride_decision, so the server can tell a driver
// tap from a countdown expiry or a forced disconnect.
const (
	DecisionCauseUser      = "user"
	DecisionCauseTimeout   = "timeout"
	DecisionCauseCancelled = "cancelled"
)

// Base message structure
type WebSocketMessage struct {
	Type string `json:"type"`
}

// Kind peeks at the type discriminator of a raw frame.
func Kind(raw []byte) (string, error) {
	var msg WebSocketMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", err
	}
	return msg.Type, nil
}

// Authentication
type AuthMessage struct {
	WebSocketMessage
	Token      string `json:"token"`
	ClientType string `json:"client_type"`
}

type AuthAckMessage struct {
	WebSocketMessage
	SessionID string `json:"session_id,omitempty"`
}

type AuthErrorMessage struct {
	WebSocketMessage
	Reason string `json:"reason"`
}

// Ride offer to driver
type RideOfferMessage struct {
	WebSocketMessage
	OfferID                      string    `json:"offer_id"`
	RideID                       string    `json:"ride_id"`
	RideNumber                   string    `json:"ride_number"`
	PickupLocation               Location  `json:"pickup_location"`
	DestinationLocation          Location  `json:"destination_location"`
	EstimatedFare                float64   `json:"estimated_fare"`
	DriverEarnings               float64   `json:"driver_earnings"`
	DistanceToPickupKm           float64   `json:"distance_to_pickup_km"`
	EstimatedRideDurationMinutes int       `json:"estimated_ride_duration_minutes"`
	RiderName                    string    `json:"rider_name,omitempty"`
	ExpiresAt                    time.Time `json:"expires_at"`
}

// Driver resolution of a ride offer
type RideDecisionMessage struct {
	WebSocketMessage
	OfferID         string   `json:"offer_id"`
	RideID          string   `json:"ride_id"`
	Accepted        bool     `json:"accepted"`
	Cause           string   `json:"cause"`
	CurrentLocation Location `json:"current_location,omitempty"`
}

// Server verdict on the rider-presented trip start code
type RideCodeResultMessage struct {
	WebSocketMessage
	RideID string `json:"ride_id"`
	Valid  bool   `json:"valid"`
}

// Server-side trip settlement
type TripCompletedMessage struct {
	WebSocketMessage
	RideID         string  `json:"ride_id"`
	Fare           float64 `json:"fare"`
	DriverEarnings float64 `json:"driver_earnings"`
}

// Single immediate location update from driver
type LocationUpdateMessage struct {
	WebSocketMessage
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	SpeedKmh       float64   `json:"speed_kmh,omitempty"`
	HeadingDegrees float64   `json:"heading_degrees,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// Buffered location points uploaded together
type LocationBatchMessage struct {
	WebSocketMessage
	Points []LocationPoint `json:"points"`
}

type LocationPoint struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters,omitempty"`
	SpeedKmh       float64   `json:"speed_kmh,omitempty"`
	HeadingDegrees float64   `json:"heading_degrees,omitempty"`
	TrackingPhase  string    `json:"tracking_phase,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

type LocationBatchAckMessage struct {
	WebSocketMessage
	Count int `json:"count"`
}

// Local arrival at pickup, reported to the server
type ArrivedPickupMessage struct {
	WebSocketMessage
	RideID   string   `json:"ride_id"`
	Location Location `json:"location"`
}

// Driver-initiated trip completion
type CompleteTripMessage struct {
	WebSocketMessage
	RideID        string   `json:"ride_id"`
	FinalLocation Location `json:"final_location"`
}

// Location structure
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
	Notes     string  `json:"notes,omitempty"`
}

// Error message
type ErrorMessage struct {
	WebSocketMessage
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}
