package validation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/graphsync/internal/ir"
	"github.com/roach88/graphsync/internal/supervisor"
)

const baseURL = "https://validator.example.test/api"

func newService(t *testing.T) *HTTPService {
	t.Helper()
	t.Cleanup(gock.OffAll)
	return &HTTPService{
		BaseURL:      baseURL,
		PollInterval: time.Millisecond,
		Timeout:      time.Second,
		Log:          zaptest.NewLogger(t).Sugar(),
	}
}

func TestHTTPService_Validate(t *testing.T) {
	svc := newService(t)

	gock.New(baseURL).
		Post("/jobs").
		MatchType("json").
		BodyString(`"ruleset":"clash"`).
		Reply(202).
		JSON(map[string]string{"job_id": "job-1"})
	gock.New(baseURL).
		Get("/jobs/job-1").
		Reply(200).
		JSON(map[string]any{"status": "pending"})
	gock.New(baseURL).
		Get("/jobs/job-1").
		Reply(200).
		JSON(map[string]any{"status": "done", "issues": []map[string]any{
			{"rule_id": "R1", "severity": "warning", "message": "close", "entity_ids": []string{"w1", "d1"}},
			{"rule_id": "R2", "severity": "critical", "message": "clash", "entity_ids": []string{"w1"}},
		}})

	report, err := svc.Validate(context.Background(), Request{
		Ruleset:  "clash",
		Entities: []ir.Entity{{ID: "w1", Category: "Wall", Properties: ir.Properties{}}},
	})
	require.NoError(t, err)

	assert.Equal(t, "job-1", report.JobID)
	assert.Equal(t, SeverityCritical, report.Worst)
	assert.Equal(t, []string{"d1", "w1"}, report.Affected)
	assert.Len(t, report.Issues, 2)
	assert.True(t, gock.IsDone())
}

func TestHTTPService_JobFailed(t *testing.T) {
	svc := newService(t)

	gock.New(baseURL).Post("/jobs").Reply(202).JSON(map[string]string{"job_id": "job-2"})
	gock.New(baseURL).Get("/jobs/job-2").Reply(200).JSON(map[string]any{"status": "failed", "error": "ruleset unknown"})

	_, err := svc.Validate(context.Background(), Request{Ruleset: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ruleset unknown")
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestHTTPService_Timeout(t *testing.T) {
	svc := newService(t)
	svc.Timeout = 30 * time.Millisecond

	gock.New(baseURL).Post("/jobs").Reply(202).JSON(map[string]string{"job_id": "job-3"})
	gock.New(baseURL).Get("/jobs/job-3").Persist().Reply(200).JSON(map[string]any{"status": "pending"})

	_, err := svc.Validate(context.Background(), Request{Ruleset: "clash"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestHTTPService_SubmitRejected(t *testing.T) {
	svc := newService(t)

	gock.New(baseURL).Post("/jobs").Reply(500).BodyString("boom")

	_, err := svc.Validate(context.Background(), Request{Ruleset: "clash"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")
}

func TestParseSeverity(t *testing.T) {
	sev, err := ParseSeverity(" Critical ")
	require.NoError(t, err)
	assert.Equal(t, SeverityCritical, sev)

	_, err = ParseSeverity("fatal")
	assert.Error(t, err)
	assert.Equal(t, "severity(9)", Severity(9).String())
}

type stubService struct {
	release chan struct{}
	report  Report
	err     error
}

func (s *stubService) Validate(ctx context.Context, req Request) (Report, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return Report{}, ErrTimeout
		}
	}
	return s.report, s.err
}

func TestRunner_SingleFlight(t *testing.T) {
	sup := supervisor.New(zaptest.NewLogger(t).Sugar())
	stub := &stubService{release: make(chan struct{}), report: Report{JobID: "j", Worst: SeverityError}}
	r := NewRunner(stub, sup, time.Minute, zaptest.NewLogger(t).Sugar())

	require.NoError(t, r.Trigger(Request{Ruleset: "clash"}))
	assert.ErrorIs(t, r.Trigger(Request{Ruleset: "clash"}), ErrBusy)

	_, ok := r.Last()
	assert.False(t, ok)

	close(stub.release)
	sup.Wait()

	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, SeverityError, last.Worst)

	assert.NoError(t, r.Trigger(Request{Ruleset: "clash"}), "slot is released after completion")
	sup.Wait()
}

func TestRunner_TimeoutReportedThroughSupervisor(t *testing.T) {
	sup := supervisor.New(zaptest.NewLogger(t).Sugar())
	stub := &stubService{release: make(chan struct{})}
	r := NewRunner(stub, sup, 10*time.Millisecond, zaptest.NewLogger(t).Sugar())

	require.NoError(t, r.Trigger(Request{Ruleset: "clash"}))
	sup.Wait()

	select {
	case err := <-sup.Errors():
		assert.ErrorIs(t, err, ErrTimeout)
	default:
		t.Fatal("timeout was not reported")
	}
	_, ok := r.Last()
	assert.False(t, ok)
}
