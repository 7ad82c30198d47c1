// Package webhook receives Maker API event callbacks and publishes them to
// the event bus.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vkuzn/groupsyncd/internal/eventbus"
)

// makerEvent is the Maker API POST URL payload. deviceId comes as a number
// or a string depending on hub firmware, so it is decoded loosely.
type makerEvent struct {
	Content struct {
		DeviceID    json.Number `json:"deviceId"`
		Name        string      `json:"name"`
		Value       string      `json:"value"`
		DisplayName string      `json:"displayName"`
	} `json:"content"`
}

// Server is an HTTP server that receives hub event callbacks.
type Server struct {
	addr       string
	bus        *eventbus.Bus
	httpServer *http.Server
}

// NewServer creates a new webhook server.
func NewServer(host string, port int, bus *eventbus.Bus) *Server {
	return &Server{
		addr: fmt.Sprintf("%s:%d", host, port),
		bus:  bus,
	}
}

// Run starts the webhook server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleEvent)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	log.Info().Str("addr", s.addr).Msg("Starting webhook server")

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Webhook server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

// handleEvent processes an incoming hub event and publishes it to the bus.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read webhook request body")
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var event makerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Warn().Err(err).Int("body_len", len(body)).Msg("Ignoring malformed hub event")
		w.WriteHeader(http.StatusOK)
		return
	}

	if event.Content.DeviceID.String() == "" || event.Content.Name == "" {
		log.Debug().Msg("Ignoring hub event without device or attribute name")
		w.WriteHeader(http.StatusOK)
		return
	}

	eventID := uuid.NewString()

	log.Debug().
		Str("device", event.Content.DeviceID.String()).
		Str("attribute", event.Content.Name).
		Str("value", event.Content.Value).
		Str("event_id", eventID).
		Msg("Received hub event")

	s.bus.Publish(eventbus.Event{
		Type: eventbus.EventTypeDevice,
		Data: map[string]interface{}{
			"device_id": event.Content.DeviceID.String(),
			"attribute": event.Content.Name,
			"value":     event.Content.Value,
			"display":   event.Content.DisplayName,
			"event_id":  eventID,
			"ts":        time.Now().Unix(),
		},
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
