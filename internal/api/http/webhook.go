package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/webhook"
)

// POST /webhook/course-completed
//
// Relays the platform's completion payload to the portal. An upstream
// rejection is passed back with the portal's status.
func CourseCompletedHandler(f *webhook.Forwarder, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&payload); err != nil {
			writeJSONError(w, errkind.New(errkind.InvalidRequest).Wrapf(err, "bad json"))
			return
		}
		res, err := f.Forward(detached(r), payload)
		if err != nil {
			if res.Status != 0 {
				writeJSON(w, res.Status, map[string]any{
					"status":       "error",
					"message":      "portal rejected the notification",
					"delivery_id":  res.DeliveryID,
					"icg_response": res.Response,
				})
				return
			}
			logFailure(r, logger, "course completed webhook", err)
			writeJSONError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":       "success",
			"message":      "Webhook forwarded to ICG",
			"delivery_id":  res.DeliveryID,
			"icg_response": res.Response,
		})
	}
}
