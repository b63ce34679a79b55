package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caseintake/internal/model"

	"github.com/rs/zerolog"
)

// RuleEvaluatorClient posts case events to the rule evaluation service.
type RuleEvaluatorClient struct {
	endpoint string
	client   *http.Client
	logger   zerolog.Logger
}

func NewRuleEvaluatorClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *RuleEvaluatorClient {
	return &RuleEvaluatorClient{
		endpoint: fmt.Sprintf("%s/case-events", strings.TrimRight(baseURL, "/")),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("service", "RuleEvaluatorClient").Logger(),
	}
}

// Handle sends the stored message content. 4xx responses are permanent failures;
// 5xx responses and network errors are retried.
func (c *RuleEvaluatorClient) Handle(ctx context.Context, msg *model.CaseEventMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBufferString(msg.MessageContent))
	if err != nil {
		return Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Message-Id", msg.MessageID)
	req.Header.Set("X-Case-Id", msg.CaseID)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("making request to rule evaluator: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn().Err(closeErr).Msg("Failed to close response body")
		}
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug().
			Int64("sequence", msg.Sequence).
			Str("duration", time.Since(start).String()).
			Msg("Rule evaluator accepted case event")
		return nil
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if readErr != nil {
		c.logger.Warn().Err(readErr).Int("status_code", resp.StatusCode).Msg("Failed to read error body from rule evaluator")
	}
	err = fmt.Errorf("rule evaluator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	c.logger.Error().
		Int("status_code", resp.StatusCode).
		Int64("sequence", msg.Sequence).
		Str("case_id", msg.CaseID).
		Msg("Rule evaluator returned error")

	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return Permanent(err)
	}
	return err
}
