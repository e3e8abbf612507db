package fraud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPScorer calls the scoring service's check_fraud endpoint.
type HTTPScorer struct {
	url    string
	client *http.Client
}

func NewHTTPScorer(url string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{url: url, client: &http.Client{Timeout: timeout}}
}

func (s *HTTPScorer) Score(ctx context.Context, req Request) (*Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode scoring request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return nil, fmt.Errorf("scoring service returned %d: %s", res.StatusCode, snippet)
	}

	var out Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode scoring response: %w", err)
	}
	return &out, nil
}
