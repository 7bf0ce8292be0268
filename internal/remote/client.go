package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcriber sends audio to an external speech-to-text service.
type Transcriber interface {
	Transcribe(ctx context.Context, wavData []byte) (string, error)
	IsAvailable(ctx context.Context) bool
}

type httpTranscriber struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPTranscriber talks to an OpenAI-compatible /audio/transcriptions
// endpoint. The endpoint is the service base URL without a trailing slash.
func NewHTTPTranscriber(endpoint, apiKey, model string, timeout time.Duration) Transcriber {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &httpTranscriber{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

func (t *httpTranscriber) Transcribe(ctx context.Context, wavData []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wavData); err != nil {
		return "", err
	}
	if t.model != "" {
		if err := writer.WriteField("model", t.model); err != nil {
			return "", err
		}
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("remote transcription request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("remote transcription returned status %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}

	var parsed transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode remote transcription response: %w", err)
	}
	return strings.TrimSpace(parsed.Text), nil
}

func (t *httpTranscriber) IsAvailable(ctx context.Context) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.endpoint+"/models", nil)
	if err != nil {
		return false
	}
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 500
}
