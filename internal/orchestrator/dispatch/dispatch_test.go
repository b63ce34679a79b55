package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"caseintake/internal/model"
	"caseintake/internal/repository"
	"caseintake/internal/service"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func seedReady(t *testing.T, repo repository.CaseEventMessageRepository, caseID string, fromDlq bool) *model.CaseEventMessage {
	t.Helper()
	m := &model.CaseEventMessage{
		MessageID:      fmt.Sprintf("m-%s-%t", caseID, fromDlq),
		CaseID:         caseID,
		FromDlq:        fromDlq,
		State:          model.MessageStateReady,
		MessageContent: fmt.Sprintf(`{"CaseId":%q}`, caseID),
		Received:       now.Add(-time.Minute),
	}
	require.NoError(t, repo.Insert(context.Background(), m))
	return m
}

func state(t *testing.T, repo repository.CaseEventMessageRepository, seq int64) *model.CaseEventMessage {
	t.Helper()
	m, err := repo.GetBySequence(context.Background(), seq)
	require.NoError(t, err)
	return m
}

func TestTick_AppliesHandlerOutcome(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	ok := seedReady(t, repo, "1", false)
	bad := seedReady(t, repo, "2", false)
	flaky := seedReady(t, repo, "3", false)

	handler := service.HandlerFunc(func(_ context.Context, m *model.CaseEventMessage) error {
		switch m.CaseID {
		case "2":
			return service.Permanent(errors.New("unknown case type"))
		case "3":
			return errors.New("evaluator unavailable")
		}
		return nil
	})
	c := NewConsumer(repo, handler, Options{BackoffBase: 10 * time.Second, BackoffMax: time.Minute, MaxPerTick: 10}, zerolog.Nop(), nil).
		WithClock(func() time.Time { return now })

	require.NoError(t, c.Tick(context.Background()))

	assert.Equal(t, model.MessageStateProcessed, state(t, repo, ok.Sequence).State)
	assert.Equal(t, model.MessageStateUnprocessable, state(t, repo, bad.Sequence).State)

	got := state(t, repo, flaky.Sequence)
	assert.Equal(t, model.MessageStateReady, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.HoldUntil)
	assert.True(t, got.HoldUntil.Equal(now.Add(10*time.Second)))
}

func TestTick_HeldRowWaitsForHoldToElapse(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	row := seedReady(t, repo, "1", false)

	clock := now
	calls := 0
	fail := true
	handler := service.HandlerFunc(func(context.Context, *model.CaseEventMessage) error {
		calls++
		if fail {
			return errors.New("down")
		}
		return nil
	})
	c := NewConsumer(repo, handler, Options{BackoffBase: time.Minute, BackoffMax: time.Hour}, zerolog.Nop(), nil).
		WithClock(func() time.Time { return clock })

	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 1, calls)

	fail = false
	clock = now.Add(30 * time.Second)
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 1, calls, "row is held")

	clock = now.Add(time.Minute)
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, 2, calls)
	assert.Equal(t, model.MessageStateProcessed, state(t, repo, row.Sequence).State)
}

func TestTick_DlqRowWaitsForNewerNonDlqRow(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	stale := seedReady(t, repo, "9", true)
	fresh := seedReady(t, repo, "9", false)

	var order []int64
	c := NewConsumer(repo, service.HandlerFunc(func(_ context.Context, m *model.CaseEventMessage) error {
		order = append(order, m.Sequence)
		return nil
	}), Options{}, zerolog.Nop(), nil).WithClock(func() time.Time { return now })

	require.NoError(t, c.Tick(context.Background()))
	require.NoError(t, c.Tick(context.Background()))
	assert.Equal(t, []int64{fresh.Sequence, stale.Sequence}, order)
}

func TestTick_ConcurrentConsumersDispatchOnce(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	for i := 0; i < 25; i++ {
		seedReady(t, repo, fmt.Sprintf("c%d", i), false)
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	handler := service.HandlerFunc(func(_ context.Context, m *model.CaseEventMessage) error {
		mu.Lock()
		seen[m.Sequence]++
		mu.Unlock()
		time.Sleep(time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		c := NewConsumer(repo, handler, Options{MaxPerTick: 100}, zerolog.Nop(), nil).WithClock(func() time.Time { return now })
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Tick(context.Background()))
		}()
	}
	wg.Wait()

	require.Len(t, seen, 25)
	for seq, n := range seen {
		assert.Equalf(t, 1, n, "sequence %d", seq)
	}
}

func TestBackoff(t *testing.T) {
	base, max := 10*time.Second, 5*time.Minute
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{5, 5 * time.Minute},
		{64, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.retry, base, max), "retry %d", tt.retry)
	}
}
