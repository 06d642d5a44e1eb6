package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Chunk is one slice of captured audio on its way to transcription.
type Chunk struct {
	ID         uuid.UUID
	SessionID  string
	Credential string
	Audio      []byte
	Format     Format
	CapturedAt time.Time
}

// Transcriber turns audio into text. An empty result means nothing was said.
type Transcriber interface {
	Transcribe(ctx context.Context, c Chunk) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, c Chunk) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, c Chunk) (string, error) {
	return f(ctx, c)
}

type TranscriberOptions struct {
	URL     string
	APIKey  string
	Timeout time.Duration
	// RateLimit caps requests per second; burst allows catching up after a
	// slow response.
	RateLimit      rate.Limit
	RateLimitBurst int
	HTTPClient     *http.Client
}

const (
	defaultTranscribeTimeout = 10 * time.Second
	defaultTranscribeRate    = 2
	defaultTranscribeBurst   = 2
	maxErrorBody             = 512
)

// HTTPTranscriber posts chunks as JSON to a speech-to-text endpoint using the
// session credential as a bearer token.
type HTTPTranscriber struct {
	url     string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewHTTPTranscriber(opts TranscriberOptions) *HTTPTranscriber {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTranscribeTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultTranscribeRate
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultTranscribeBurst
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPTranscriber{
		url:     strings.TrimSpace(opts.URL),
		apiKey:  opts.APIKey,
		client:  client,
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst),
	}
}

type transcribeRequest struct {
	SessionID  string `json:"session_id"`
	AudioData  string `json:"audio_data"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Timestamp  int64  `json:"timestamp"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// StatusError reports a non-2xx answer from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("speech-to-text: HTTP %d", e.Code)
	}
	return fmt.Sprintf("speech-to-text: HTTP %d: %s", e.Code, e.Body)
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, c Chunk) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal(transcribeRequest{
		SessionID:  c.SessionID,
		AudioData:  base64.StdEncoding.EncodeToString(c.Audio),
		Format:     "pcm_s16le",
		SampleRate: c.Format.SampleRate,
		Channels:   c.Format.Channels,
		Timestamp:  c.CapturedAt.UnixMilli(),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chunk-ID", c.ID.String())
	if c.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.Credential)
	}
	if t.apiKey != "" {
		req.Header.Set("apikey", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("speech-to-text request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var out transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode speech-to-text response: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}
