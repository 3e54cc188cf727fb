package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type httpSynth struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

type httpRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice"`
	Rate  string `json:"rate"`
}

// NewHTTPSynth returns a backend that POSTs JSON {text, voice, rate} to endpoint
// and treats a 200 response body as the encoded audio.
func NewHTTPSynth(endpoint, apiKey string, timeout time.Duration) Synthesizer {
	return &httpSynth{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *httpSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	body, err := json.Marshal(httpRequest{Text: req.Text, Voice: req.Voice, Rate: req.Rate})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, &SynthesisError{Backend: "http", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &SynthesisError{Backend: "http", Status: resp.StatusCode, Detail: tail(respBody, 512), Err: errors.New(resp.Status)}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &SynthesisError{Backend: "http", Status: resp.StatusCode, Err: fmt.Errorf("read audio: %w", err)}
	}
	if len(audio) == 0 {
		return nil, &SynthesisError{Backend: "http", Status: resp.StatusCode, Err: errors.New("empty audio response")}
	}
	return audio, nil
}
