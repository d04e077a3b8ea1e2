// Package telemetry logs analyst feedback against MLflow traces.
//
// Every call is best-effort: failures are logged and reported through the
// boolean return, never as an error that could block the chat flow.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/osclabs/market-intelligence/databricks"
)

// Assessment names recorded against traces.
const (
	AssessmentSatisfaction = "user_satisfaction"
	AssessmentReviewFlag   = "flagged_for_review"
	AssessmentCorrection   = "user_correction"
)

// Recorder writes feedback to the MLflow tracking server.
type Recorder struct {
	host       string
	experiment string
	auth       databricks.Authenticator
	client     *http.Client
	logger     *log.Logger
}

// NewRecorder builds a Recorder for the workspace tracking server.
func NewRecorder(host, experimentName string, auth databricks.Authenticator, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		host:       strings.TrimRight(host, "/"),
		experiment: experimentName,
		auth:       auth,
		client:     &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type assessmentSource struct {
	SourceType string `json:"source_type"`
	SourceID   string `json:"source_id"`
}

type feedbackValue struct {
	Value any `json:"value"`
}

type assessment struct {
	TraceID        string            `json:"trace_id"`
	AssessmentName string            `json:"assessment_name"`
	Source         assessmentSource  `json:"source"`
	Feedback       *feedbackValue    `json:"feedback,omitempty"`
	Expectation    *expectationValue `json:"expectation,omitempty"`
}

type expectationValue struct {
	Value []string `json:"value"`
}

// LogSatisfaction records a thumbs up/down against the trace. Returns
// whether the feedback was recorded.
func (r *Recorder) LogSatisfaction(ctx context.Context, traceID string, satisfied bool, userID string) bool {
	return r.logAssessment(ctx, assessment{
		TraceID:        traceID,
		AssessmentName: AssessmentSatisfaction,
		Source:         assessmentSource{SourceType: "HUMAN", SourceID: userID},
		Feedback:       &feedbackValue{Value: satisfied},
	})
}

// LogReviewRequest flags the trace's response for human review.
func (r *Recorder) LogReviewRequest(ctx context.Context, traceID, userID string) bool {
	return r.logAssessment(ctx, assessment{
		TraceID:        traceID,
		AssessmentName: AssessmentReviewFlag,
		Source:         assessmentSource{SourceType: "HUMAN", SourceID: userID},
		Feedback:       &feedbackValue{Value: true},
	})
}

// LogCorrection records the analyst's expected output for the trace.
func (r *Recorder) LogCorrection(ctx context.Context, traceID, correction, userID string) bool {
	return r.logAssessment(ctx, assessment{
		TraceID:        traceID,
		AssessmentName: AssessmentCorrection,
		Source:         assessmentSource{SourceType: "HUMAN", SourceID: userID},
		Expectation:    &expectationValue{Value: []string{correction}},
	})
}

func (r *Recorder) logAssessment(ctx context.Context, a assessment) bool {
	if a.TraceID == "" {
		r.logger.Printf("skipping %s feedback: no trace id", a.AssessmentName)
		return false
	}

	endpoint := fmt.Sprintf("%s/api/3.0/mlflow/traces/%s/assessments", r.host, url.PathEscape(a.TraceID))
	payload := struct {
		Assessment assessment `json:"assessment"`
	}{Assessment: a}

	if err := r.post(ctx, endpoint, payload, nil); err != nil {
		r.logger.Printf("log %s feedback for trace %s: %v", a.AssessmentName, a.TraceID, err)
		return false
	}
	return true
}

// RecentTraceID returns the most recent trace id in the configured
// experiment, or empty when none can be found. Best-effort like the rest
// of the package.
func (r *Recorder) RecentTraceID(ctx context.Context) string {
	if r.experiment == "" {
		return ""
	}

	experimentID, err := r.experimentID(ctx)
	if err != nil {
		r.logger.Printf("resolve experiment %q: %v", r.experiment, err)
		return ""
	}

	payload := struct {
		ExperimentIDs []string `json:"experiment_ids"`
		MaxResults    int      `json:"max_results"`
		OrderBy       []string `json:"order_by"`
	}{
		ExperimentIDs: []string{experimentID},
		MaxResults:    1,
		OrderBy:       []string{"timestamp_ms DESC"},
	}

	var parsed struct {
		Traces []struct {
			TraceID string `json:"trace_id"`
			Info    struct {
				TraceID   string `json:"trace_id"`
				RequestID string `json:"request_id"`
			} `json:"info"`
		} `json:"traces"`
	}
	if err := r.post(ctx, r.host+"/api/3.0/mlflow/traces/search", payload, &parsed); err != nil {
		r.logger.Printf("search traces: %v", err)
		return ""
	}
	if len(parsed.Traces) == 0 {
		return ""
	}

	trace := parsed.Traces[0]
	if trace.TraceID != "" {
		return trace.TraceID
	}
	if trace.Info.TraceID != "" {
		return trace.Info.TraceID
	}
	return trace.Info.RequestID
}

func (r *Recorder) experimentID(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/api/2.0/mlflow/experiments/get-by-name?experiment_name=%s",
		r.host, url.QueryEscape(r.experiment))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create experiment request: %w", err)
	}
	if err := r.sign(req); err != nil {
		return "", err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get experiment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("experiment lookup returned status %s", resp.Status)
	}

	var parsed struct {
		Experiment struct {
			ExperimentID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode experiment response: %w", err)
	}
	if parsed.Experiment.ExperimentID == "" {
		return "", fmt.Errorf("experiment %q not found", r.experiment)
	}
	return parsed.Experiment.ExperimentID, nil
}

func (r *Recorder) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := r.sign(req); err != nil {
		return err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("call tracking server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) > 0 {
			return fmt.Errorf("tracking server error (%s): %s", resp.Status, string(data))
		}
		return fmt.Errorf("tracking server returned status %s", resp.Status)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (r *Recorder) sign(req *http.Request) error {
	if r.auth == nil {
		return nil
	}
	if err := r.auth(req); err != nil {
		return fmt.Errorf("authenticate request: %w", err)
	}
	return nil
}
