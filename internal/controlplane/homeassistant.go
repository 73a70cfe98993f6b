package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	playMediaPath = "/services/media_player/play_media"
	stopPath      = "/services/media_player/media_stop"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

// HomeAssistantConfig configures the Home Assistant client.
type HomeAssistantConfig struct {
	BaseURL     string        // e.g. http://supervisor/core/api
	Token       string        // bearer token; empty sends no Authorization header
	Timeout     time.Duration // per request
	BypassProxy bool          // sets extra.bypass_proxy on play_media
	RateLimit   float64       // requests per second, 0 = unlimited
	Burst       int
}

// TokenFromEnv reads the bearer token from the named environment variable.
func TokenFromEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// HomeAssistant drives media_player entities through the REST services API.
type HomeAssistant struct {
	cfg     HomeAssistantConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHomeAssistant creates a client. Outbound requests are paced by a token
// bucket so a burst of hook events cannot flood the API.
func NewHomeAssistant(cfg HomeAssistantConfig) *HomeAssistant {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &HomeAssistant{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type playMediaRequest struct {
	EntityID         string          `json:"entity_id"`
	MediaContentID   string          `json:"media_content_id"`
	MediaContentType string          `json:"media_content_type"`
	Extra            *playMediaExtra `json:"extra,omitempty"`
}

type playMediaExtra struct {
	BypassProxy bool `json:"bypass_proxy"`
}

type entityRequest struct {
	EntityID string `json:"entity_id"`
}

// Play calls media_player.play_media with the stream URL.
func (h *HomeAssistant) Play(ctx context.Context, deviceID, url string) error {
	body := playMediaRequest{
		EntityID:         deviceID,
		MediaContentID:   url,
		MediaContentType: "music",
	}
	if h.cfg.BypassProxy {
		body.Extra = &playMediaExtra{BypassProxy: true}
	}
	if err := h.post(ctx, "play_media", playMediaPath, body); err != nil {
		return err
	}
	slog.Info("controlplane: play requested", "device", deviceID, "url", url)
	return nil
}

// Stop calls media_player.media_stop.
func (h *HomeAssistant) Stop(ctx context.Context, deviceID string) error {
	if err := h.post(ctx, "media_stop", stopPath, entityRequest{EntityID: deviceID}); err != nil {
		return err
	}
	slog.Info("controlplane: stop requested", "device", deviceID)
	return nil
}

func (h *HomeAssistant) post(ctx context.Context, op, path string, payload any) error {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	if err := h.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("controlplane: %s: rate limit: %w", op, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("controlplane: %s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("controlplane: %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.Token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("controlplane: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var _ Client = (*HomeAssistant)(nil)
