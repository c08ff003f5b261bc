// Package bounty evaluates submitted task evidence and turns verified work
// into bounty awards for the period's settlement.
package bounty

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"node-emissions/pkg/logger"
	"node-emissions/pkg/model"
)

// Submission is what gets evaluated for one task.
type Submission struct {
	TaskID   string         `json:"taskId"`
	TaskType string         `json:"taskType"`
	Wallet   string         `json:"wallet"`
	Evidence model.Evidence `json:"evidence"`
}

// Evaluation is the verdict on a submission. Accuracy is in [0,1].
type Evaluation struct {
	Valid      bool    `json:"isValid"`
	Accuracy   float64 `json:"accuracyScore"`
	Confidence float64 `json:"confidence"`
	Fallback   bool    `json:"-"`
}

// Evaluator judges task evidence. Implementations may call out to external
// services and may fail.
type Evaluator interface {
	Evaluate(ctx context.Context, sub Submission) (Evaluation, error)
}

const (
	minDescriptionLen  = 40
	fallbackAccuracy   = 0.5
	fallbackConfidence = 0.1
)

// Heuristic is the conservative verdict used when the real evaluator is
// unavailable: evidence counts only with a reference and a substantive
// description, at half accuracy and low confidence.
func Heuristic(sub Submission) Evaluation {
	ev := Evaluation{Confidence: fallbackConfidence, Fallback: true}
	if strings.TrimSpace(sub.Evidence.Reference) != "" &&
		len(strings.TrimSpace(sub.Evidence.Description)) >= minDescriptionLen {
		ev.Valid = true
		ev.Accuracy = fallbackAccuracy
	}
	return ev
}

// Guarded wraps an Evaluator so it never fails: errors, timeouts and
// out-of-range scores fall back to Heuristic.
type Guarded struct {
	Inner   Evaluator
	Timeout time.Duration
}

func (g Guarded) Evaluate(ctx context.Context, sub Submission) (Evaluation, error) {
	if g.Inner == nil {
		return Heuristic(sub), nil
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	ev, err := g.Inner.Evaluate(ctx, sub)
	if err == nil && (ev.Accuracy < 0 || ev.Accuracy > 1) {
		err = fmt.Errorf("accuracy %v out of range", ev.Accuracy)
	}
	if err != nil {
		logger.Named("bounty").Warn("evaluator unavailable; using fallback heuristic",
			zap.String("task", sub.TaskID), zap.Error(err))
		return Heuristic(sub), nil
	}
	return ev, nil
}

// HTTPEvaluator posts the submission as JSON to an external evaluation
// service and decodes its Evaluation reply.
type HTTPEvaluator struct {
	URL    string
	Token  string
	Client *http.Client
}

func (h HTTPEvaluator) Evaluate(ctx context.Context, sub Submission) (Evaluation, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return Evaluation{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return Evaluation{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	cli := h.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return Evaluation{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Evaluation{}, fmt.Errorf("evaluator returned %s", resp.Status)
	}
	var ev Evaluation
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return Evaluation{}, fmt.Errorf("decode evaluation: %w", err)
	}
	return ev, nil
}
