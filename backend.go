package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SideResult is one breast side's classification from the model backend.
type SideResult struct {
	Prediction string   `json:"prediction"`
	Confidence *float64 `json:"confidence"`
}

// InferenceResult is the backend's response for one series. Both sides are
// required; a missing side is a contract violation by the backend, never
// something we paper over.
type InferenceResult struct {
	Left  *SideResult `json:"left"`
	Right *SideResult `json:"right"`
}

// PredictionCancerous is the label the backend uses for a malignant
// finding; anything else is reported as benign.
const PredictionCancerous = "Cancerous"

// InferenceRequest is the JSON body of the backend call.
type InferenceRequest struct {
	SeriesInstanceUID string `json:"seriesInstanceUID"`
}

// ModelBackendClient issues the single synchronous inference call per
// pipeline run. It performs no retries: inference is not guaranteed
// idempotent on the backend, so retry policy stays with the caller (and
// the caller's policy is none).
type ModelBackendClient struct {
	BaseURL    string
	httpClient *http.Client
}

// NewModelBackendClient creates a backend client with the given request
// timeout bound.
func NewModelBackendClient(baseURL string, timeout time.Duration) *ModelBackendClient {
	return &ModelBackendClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Analyze POSTs {"seriesInstanceUID": ...} to {base}/analyze/mri and
// decodes the two-sided result. Error kinds:
//
//   - BackendTimeout     the call exceeded the configured bound
//   - BackendUnreachable connection-level failure
//   - BackendError       non-2xx HTTP status
//   - MalformedResponse  undecodable body or a missing/incomplete side
func (c *ModelBackendClient) Analyze(ctx context.Context, seriesInstanceUID string) (*InferenceResult, error) {
	if strings.TrimSpace(seriesInstanceUID) == "" {
		return nil, pipelineErrf(ErrInvalidEvent, "empty seriesInstanceUID")
	}

	body, err := json.Marshal(InferenceRequest{SeriesInstanceUID: seriesInstanceUID})
	if err != nil {
		return nil, pipelineErrf(ErrBackendUnreachable, "marshal request: %v", err)
	}

	targetURL := c.BaseURL + "/analyze/mri"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, pipelineErrf(ErrBackendUnreachable, "build request for %s: %v", targetURL, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, pipelineErrf(ErrBackendTimeout, "POST %s: %v", targetURL, err)
		}
		return nil, pipelineErrf(ErrBackendUnreachable, "POST %s: %v", targetURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Truncate the body for logs; backends sometimes echo whole stack traces.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, pipelineErrf(ErrBackendError, "POST %s: status %d: %s", targetURL, resp.StatusCode, string(snippet))
	}

	var result InferenceResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, pipelineErrf(ErrMalformedResponse, "decode response from %s: %v", targetURL, err)
	}

	for side, sr := range map[string]*SideResult{"left": result.Left, "right": result.Right} {
		if sr == nil {
			return nil, pipelineErrf(ErrMalformedResponse, "backend response missing %q side", side)
		}
		if sr.Confidence == nil {
			return nil, pipelineErrf(ErrMalformedResponse, "backend response missing confidence for %q side", side)
		}
		if strings.TrimSpace(sr.Prediction) == "" {
			return nil, pipelineErrf(ErrMalformedResponse, "backend response missing prediction for %q side", side)
		}
	}

	return &result, nil
}

// isTimeout distinguishes a deadline expiry from other transport errors.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return true
	}
	return false
}

// String renders a result the way it shows up in run logs.
func (r *InferenceResult) String() string {
	fmtSide := func(s *SideResult) string {
		if s == nil || s.Confidence == nil {
			return "<missing>"
		}
		return fmt.Sprintf("%s (%.1f%%)", s.Prediction, *s.Confidence)
	}
	return fmt.Sprintf("left=%s right=%s", fmtSide(r.Left), fmtSide(r.Right))
}
