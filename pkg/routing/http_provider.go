package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/constbus/pkg/contracts"
)

// HTTPScoreProvider asks a remote model service for a score. The service
// receives {"message": ..., "context": ...} and answers {"score": <float>}.
// Retries and circuit breaking are the router's job.
type HTTPScoreProvider struct {
	endpoint string
	client   *http.Client
}

func NewHTTPScoreProvider(endpoint string, timeout time.Duration) *HTTPScoreProvider {
	return &HTTPScoreProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Message *contracts.AgentMessage `json:"message"`
	Context ScoreContext            `json:"context"`
}

type scoreResponse struct {
	Score *float64 `json:"score"`
}

func (p *HTTPScoreProvider) Score(ctx context.Context, msg *contracts.AgentMessage, sc ScoreContext) (float64, error) {
	body, err := json.Marshal(scoreRequest{Message: msg, Context: sc})
	if err != nil {
		return 0, fmt.Errorf("encode score request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("score request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return 0, fmt.Errorf("score service returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	var out scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score response: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("score service response has no score")
	}
	return *out.Score, nil
}
