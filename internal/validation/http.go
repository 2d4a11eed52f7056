package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/roach88/graphsync/internal/ir"
)

const (
	DefaultTimeout      = 2 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

var errJobPending = errors.New("job pending")

// HTTPService talks to the validation service over its job API:
//
//	POST {base}/jobs          -> 202 {"job_id": "..."}
//	GET  {base}/jobs/{job_id} -> 200 {"status": "pending|done|failed", ...}
type HTTPService struct {
	BaseURL      string
	Client       *http.Client
	PollInterval time.Duration
	Timeout      time.Duration
	Log          *zap.SugaredLogger
}

type jobRequest struct {
	Ruleset  string      `json:"ruleset"`
	Entities []ir.Entity `json:"entities"`
}

type jobCreated struct {
	JobID string `json:"job_id"`
}

type wireIssue struct {
	RuleID    string   `json:"rule_id"`
	Severity  string   `json:"severity"`
	Message   string   `json:"message"`
	EntityIDs []string `json:"entity_ids"`
}

type jobStatus struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Issues []wireIssue `json:"issues"`
}

// Validate submits req and polls until the job finishes, fails or the
// timeout elapses.
func (s *HTTPService) Validate(ctx context.Context, req Request) (Report, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	interval := s.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	jobID, err := s.submit(ctx, req)
	if err != nil {
		return Report{}, err
	}
	log.Debugw("validation job submitted", "job_id", jobID, "ruleset", req.Ruleset, "entities", len(req.Entities))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = 4 * interval
	b.MaxElapsedTime = timeout

	var status jobStatus
	err = backoff.Retry(func() error {
		st, err := s.poll(ctx, jobID)
		if err != nil {
			return err
		}
		switch st.Status {
		case "done":
			status = st
			return nil
		case "failed":
			return backoff.Permanent(fmt.Errorf("validation job %s failed: %s", jobID, st.Error))
		default:
			return errJobPending
		}
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, errJobPending) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Report{}, fmt.Errorf("job %s after %s: %w", jobID, timeout, ErrTimeout)
		}
		return Report{}, err
	}

	report := Report{JobID: jobID, Ruleset: req.Ruleset, CompletedAt: time.Now().UTC()}
	for _, wi := range status.Issues {
		sev, err := ParseSeverity(wi.Severity)
		if err != nil {
			log.Warnw("unknown issue severity; treating as error", "job_id", jobID, "severity", wi.Severity)
			sev = SeverityError
		}
		report.Issues = append(report.Issues, Issue{
			RuleID:    wi.RuleID,
			Severity:  sev,
			Message:   wi.Message,
			EntityIDs: wi.EntityIDs,
		})
	}
	return Summarize(report), nil
}

func (s *HTTPService) submit(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(jobRequest{Ruleset: req.Ruleset, Entities: req.Entities})
	if err != nil {
		return "", fmt.Errorf("encode validation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build validation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var created jobCreated
	if err := s.do(httpReq, http.StatusAccepted, &created); err != nil {
		return "", fmt.Errorf("submit validation job: %w", err)
	}
	if created.JobID == "" {
		return "", fmt.Errorf("submit validation job: empty job id")
	}
	return created.JobID, nil
}

func (s *HTTPService) poll(ctx context.Context, jobID string) (jobStatus, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return jobStatus{}, backoff.Permanent(fmt.Errorf("build poll request: %w", err))
	}
	var st jobStatus
	if err := s.do(httpReq, http.StatusOK, &st); err != nil {
		return jobStatus{}, fmt.Errorf("poll validation job %s: %w", jobID, err)
	}
	return st, nil
}

func (s *HTTPService) do(req *http.Request, want int, out any) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != want {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
