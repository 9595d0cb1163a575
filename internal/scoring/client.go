package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beebee-coder/classroom-virtuelle-sub001/internal/domain"
)

// HTTPAwarder calls the award endpoint of the session server.
type HTTPAwarder struct {
	BaseURL   string
	SessionID string
	Client    *http.Client
}

func NewHTTPAwarder(baseURL, sessionID string) *HTTPAwarder {
	return &HTTPAwarder{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		SessionID: sessionID,
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type awardRequest struct {
	SessionID string         `json:"session_id"`
	Scores    []domain.Score `json:"scores"`
}

type awardResponse struct {
	Outcome *domain.AwardOutcome `json:"outcome"`
	Error   string               `json:"error"`
}

func (a *HTTPAwarder) AwardQuizPoints(ctx context.Context, quizID string, scores []domain.Score) (*domain.AwardOutcome, error) {
	const op = "scoring.http.award"

	if quizID == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrQuizIDRequired)
	}

	body, err := json.Marshal(awardRequest{SessionID: a.SessionID, Scores: scores})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	endpoint := a.BaseURL + "/api/quizzes/" + url.PathEscape(quizID) + "/award"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	var out awardResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, out.Error)
	}
	if out.Outcome == nil {
		return nil, fmt.Errorf("%s: empty outcome", op)
	}
	return out.Outcome, nil
}
