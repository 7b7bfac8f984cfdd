package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"driverlink/internal/config"
	"driverlink/internal/mylogger"
	"driverlink/internal/wsdto"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const authDeadline = 5 * time.Second

// Server is the development dispatch server: it speaks the driver wire
// protocol well enough to exercise the client end to end.
type Server struct {
	cfg      *config.Simconfig
	log      mylogger.Logger
	hub      *Hub
	store    Store
	offers   *OfferEngine
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Simconfig, log mylogger.Logger, hub *Hub, store Store, offers *OfferEngine) *Server {
	return &Server{
		cfg:    cfg,
		log:    log.With("component", "sim_server"),
		hub:    hub,
		store:  store,
		offers: offers,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/drivers/{driver_id}", s.HandleDriverWS)
	return mux
}

func (s *Server) HandleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := r.PathValue("driver_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if err := s.authenticate(conn, driverID); err != nil {
		s.log.Action("auth_rejected").Warn("driver auth rejected",
			"driver_id", driverID, "error", err.Error())
		s.writeJSON(conn, wsdto.AuthErrorMessage{
			WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeAuthError},
			Reason:           err.Error(),
		})
		return
	}

	s.hub.Register(driverID, conn)
	defer s.hub.Unregister(driverID, conn)

	s.writeJSON(conn, wsdto.AuthAckMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeAuthAck},
	})
	s.log.Action("driver_connected").Info("driver authenticated", "driver_id", driverID)

	s.readLoop(r.Context(), driverID, conn)
}

func (s *Server) authenticate(conn *websocket.Conn, driverID string) error {
	conn.SetReadDeadline(time.Now().Add(authDeadline))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return errors.New("authentication_required")
	}

	var msg wsdto.AuthMessage
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type != wsdto.MessageTypeAuth || msg.Token == "" {
		return errors.New("authentication_required")
	}

	if s.cfg.JWTSecret == "" {
		// Dev mode: any non-empty token passes.
		return nil
	}

	token, err := jwt.Parse(msg.Token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return errors.New("invalid_token")
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || subject != driverID {
		return errors.New("token_driver_mismatch")
	}
	return nil
}

func (s *Server) readLoop(ctx context.Context, driverID string, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Action("driver_disconnected").Info("driver connection closed", "driver_id", driverID)
			return
		}

		kind, err := wsdto.Kind(raw)
		if err != nil {
			s.log.Action("malformed_frame").Warn("dropping malformed frame", "driver_id", driverID)
			continue
		}

		switch kind {
		case wsdto.MessageTypeLocationUpdate:
			var msg wsdto.LocationUpdateMessage
			if json.Unmarshal(raw, &msg) == nil {
				s.store.SaveBatch(ctx, driverID, []wsdto.LocationPoint{{
					Latitude:   msg.Latitude,
					Longitude:  msg.Longitude,
					SpeedKmh:   msg.SpeedKmh,
					CapturedAt: msg.CapturedAt,
				}})
			}

		case wsdto.MessageTypeLocationBatch:
			var msg wsdto.LocationBatchMessage
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			if err := s.store.SaveBatch(ctx, driverID, msg.Points); err != nil {
				s.log.Action("store_failed").Error("could not persist batch", err, "driver_id", driverID)
			}
			s.hub.Send(driverID, wsdto.LocationBatchAckMessage{
				WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeLocationBatchAck},
				Count:            len(msg.Points),
			})

		case wsdto.MessageTypeRideDecision:
			var msg wsdto.RideDecisionMessage
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			if err := s.store.SaveDecision(ctx, driverID, msg); err != nil {
				s.log.Action("store_failed").Error("could not persist decision", err, "driver_id", driverID)
			}
			s.offers.OnDecision(ctx, driverID, msg)

		case wsdto.MessageTypeArrivedPickup:
			var msg wsdto.ArrivedPickupMessage
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			// The rider presents the code shortly after arrival.
			go func() {
				time.Sleep(2 * time.Second)
				s.hub.Send(driverID, wsdto.RideCodeResultMessage{
					WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeRideCodeResult},
					RideID:           msg.RideID,
					Valid:            true,
				})
			}()

		case wsdto.MessageTypeCompleteTrip:
			var msg wsdto.CompleteTripMessage
			if json.Unmarshal(raw, &msg) != nil {
				continue
			}
			s.hub.Send(driverID, wsdto.TripCompletedMessage{
				WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeTripCompleted},
				RideID:           msg.RideID,
				Fare:             12.50,
				DriverEarnings:   10.00,
			})

		default:
			s.log.Action("unknown_message_kind").Warn("ignoring frame",
				"driver_id", driverID, "kind", kind)
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}
