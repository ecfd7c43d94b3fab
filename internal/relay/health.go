package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Veraticus/sage/internal/clock"
)

// HealthStatus is the fixed status line reported by the health endpoint.
const HealthStatus = "Couples Counseling Server Running"

// Health is the health endpoint's JSON body.
type Health struct {
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status"`
	ActiveSessions int       `json:"activeSessions"`
}

// HealthHandler serves GET /health using sessions to count live sessions.
func HealthHandler(sessions func() int, clk clock.Clock) http.Handler {
	logger := slog.Default().With(slog.String("component", "health"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		body := Health{
			Status:         HealthStatus,
			ActiveSessions: sessions(),
			Timestamp:      clk.Now().UTC(),
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			logger.Debug("failed to write health response", slog.Any("error", err))
		}
	})
	return mux
}
