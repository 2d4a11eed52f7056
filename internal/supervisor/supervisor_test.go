package supervisor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func receive(t *testing.T, s *Supervisor) error {
	t.Helper()
	select {
	case err := <-s.Errors():
		return err
	case <-time.After(time.Second):
		t.Fatal("no error delivered")
		return nil
	}
}

func TestGo_DeliversFailure(t *testing.T) {
	s := New(zaptest.NewLogger(t).Sugar())
	sentinel := errors.New("validation timed out")

	s.Go("validation", func() error { return sentinel })
	s.Wait()

	err := receive(t, s)
	assert.ErrorIs(t, err, sentinel)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "validation", te.Task)
}

func TestGo_SuccessIsSilent(t *testing.T) {
	s := New(zaptest.NewLogger(t).Sugar())

	s.Go("ok", func() error { return nil })
	s.Wait()

	select {
	case err := <-s.Errors():
		t.Fatalf("unexpected error: %v", err)
	default:
	}
}

func TestGo_RecoversPanic(t *testing.T) {
	s := New(zaptest.NewLogger(t).Sugar())

	s.Go("poller", func() error { panic("nil map") })
	s.Wait()

	err := receive(t, s)
	assert.Contains(t, err.Error(), "poller: panic: nil map")
}

func TestReport_DropsWhenFull(t *testing.T) {
	s := New(zaptest.NewLogger(t).Sugar(), WithBuffer(1))

	s.Report("a", errors.New("first"))
	s.Report("b", errors.New("second"))
	s.Report("c", nil)

	assert.Equal(t, int64(1), s.Dropped())
	assert.Contains(t, receive(t, s).Error(), "first")
}

func TestReport_Sentry(t *testing.T) {
	var (
		mu     sync.Mutex
		events []*sentry.Event
	)
	client, err := sentry.NewClient(sentry.ClientOptions{
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	hub := sentry.NewHub(client, sentry.NewScope())

	s := New(zaptest.NewLogger(t).Sugar(), WithSentry(hub))
	s.Report("push", errors.New("store unavailable"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.Equal(t, "push", events[0].Tags["task"])
}

func TestNewSentryHub_EmptyDSN(t *testing.T) {
	hub, err := NewSentryHub("", "graphsync@test")
	require.NoError(t, err)
	assert.NotNil(t, hub.Client())
}
