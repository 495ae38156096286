// Package webhook forwards the platform's course-completed notifications to
// the portal's API.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mind-engage/edxbridge/internal/errkind"
	"github.com/mind-engage/edxbridge/internal/metrics"
)

type Config struct {
	Target string // absolute URL receiving the payload
	// Optional OAuth2 client credentials; plain HTTP when TokenURL is empty.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

type Forwarder struct {
	target string
	http   *http.Client
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	h := &http.Client{}
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		h = cc.Client(context.Background())
	}
	h.Timeout = cfg.Timeout
	return &Forwarder{target: cfg.Target, http: h, logger: logger}
}

// Result is the portal's answer to a forwarded payload.
type Result struct {
	DeliveryID string          `json:"delivery_id"`
	Status     int             `json:"status"`
	Response   json.RawMessage `json:"icg_response,omitempty"`
}

// Forward validates that payload names a username and courseId and posts it
// unchanged. A non-2xx answer is returned with its status so the caller can
// propagate it; transport failures are PlatformUnavailable.
func (f *Forwarder) Forward(ctx context.Context, payload map[string]any) (Result, error) {
	if str(payload["username"]) == "" || str(payload["courseId"]) == "" {
		return Result{}, errkind.New(errkind.InvalidRequest).
			Errorf("missing required fields: username, courseId")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, errkind.New(errkind.Internal).Wrap(err)
	}
	res := Result{DeliveryID: uuid.NewString()}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.target, bytes.NewReader(body))
	if err != nil {
		return res, errkind.New(errkind.Internal).Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "edxbridge-webhook/1.0")
	req.Header.Set("X-Delivery-ID", res.DeliveryID)

	resp, err := f.http.Do(req)
	if err != nil {
		metrics.WebhookForwards.WithLabelValues("error").Inc()
		return res, errkind.New(errkind.PlatformUnavailable).With("target", f.target).Wrapf(err, "forward webhook")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	res.Status = resp.StatusCode
	if json.Valid(raw) {
		res.Response = raw
	}
	metrics.WebhookForwards.WithLabelValues(fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()

	if resp.StatusCode/100 != 2 {
		f.logger.ErrorContext(ctx, "webhook forward rejected",
			"status", resp.StatusCode, "delivery_id", res.DeliveryID, "body", strings.TrimSpace(string(raw)))
		return res, errkind.New(errkind.PlatformUnavailable).
			With("target", f.target).
			With("status", resp.StatusCode).
			With("delivery_id", res.DeliveryID).
			Errorf("forward webhook: upstream answered %s", resp.Status)
	}
	f.logger.InfoContext(ctx, "webhook forwarded",
		"username", str(payload["username"]), "course_id", str(payload["courseId"]), "delivery_id", res.DeliveryID)
	return res, nil
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
