// Package synth provides services.Synthesizer implementations: an HTTP
// client for the external speech service and a deterministic local
// synthesizer for development and tests.
package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tbourn/go-prepaid-billing/internal/services"
)

// maxAudioBytes bounds the response body read from the speech service.
const maxAudioBytes = 32 << 20

// HTTP posts synthesis requests as JSON and returns the response body as
// MP3 audio.
type HTTP struct {
	URL    string
	Client *http.Client
}

// NewHTTP returns a client for url with the given per-request timeout.
func NewHTTP(url string, timeout time.Duration) *HTTP {
	return &HTTP{URL: url, Client: &http.Client{Timeout: timeout}}
}

type httpRequest struct {
	Text      string  `json:"text"`
	Locale    string  `json:"locale"`
	ReaderID  string  `json:"readerId"`
	VoiceTier string  `json:"voiceTier"`
	Speed     float64 `json:"speed"`
}

// Synthesize implements services.Synthesizer. Any non-2xx status or empty
// body is an error.
func (h *HTTP) Synthesize(ctx context.Context, req services.SynthesisRequest) ([]byte, error) {
	ctx, span := otel.Tracer("synth").Start(ctx, "synth.http")
	defer span.End()
	span.SetAttributes(
		attribute.String("synth.locale", req.Locale),
		attribute.String("synth.voice_tier", req.VoiceTier),
		attribute.Int("synth.text_len", len(req.Text)),
	)

	body, err := json.Marshal(httpRequest{
		Text:      req.Text,
		Locale:    req.Locale,
		ReaderID:  req.ReaderID,
		VoiceTier: req.VoiceTier,
		Speed:     req.Speed,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, fmt.Errorf("synth request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("synth status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("synth read: %w", err)
	}
	if len(audio) == 0 {
		span.SetStatus(codes.Error, "empty audio")
		return nil, fmt.Errorf("synth returned empty audio")
	}
	return audio, nil
}
