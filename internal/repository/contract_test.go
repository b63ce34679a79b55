package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"caseintake/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newRow(caseID string, state model.MessageState, fromDlq bool, received time.Time) *model.CaseEventMessage {
	return &model.CaseEventMessage{
		MessageID:         fmt.Sprintf("msg-%s-%d", caseID, received.UnixNano()),
		CaseID:            caseID,
		FromDlq:           fromDlq,
		State:             state,
		MessageProperties: []byte(`{"source":"test"}`),
		MessageContent:    fmt.Sprintf(`{"CaseId":%q}`, caseID),
		Received:          received,
		DeliveryCount:     1,
	}
}

func insertRow(t *testing.T, repo CaseEventMessageRepository, m *model.CaseEventMessage) *model.CaseEventMessage {
	t.Helper()
	require.NoError(t, repo.Insert(context.Background(), m))
	require.NotZero(t, m.Sequence)
	return m
}

// testRepositoryContract runs the durable queue contract against any implementation.
// newRepo must return an empty store.
func testRepositoryContract(t *testing.T, newRepo func(t *testing.T) CaseEventMessageRepository) {
	t.Run("InsertAssignsIncreasingSequence", func(t *testing.T) {
		repo := newRepo(t)
		a := insertRow(t, repo, newRow("1001", "", false, baseTime))
		b := insertRow(t, repo, newRow("1001", "", false, baseTime))
		assert.Greater(t, b.Sequence, a.Sequence)
		assert.Equal(t, model.MessageStateNew, a.State)

		got, err := repo.GetBySequence(context.Background(), a.Sequence)
		require.NoError(t, err)
		assert.Equal(t, a.MessageID, got.MessageID)
		assert.JSONEq(t, `{"source":"test"}`, string(got.MessageProperties))

		_, err = repo.GetBySequence(context.Background(), b.Sequence+1000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("DuplicateMessageIDsAreStoredSeparately", func(t *testing.T) {
		repo := newRepo(t)
		a := newRow("1002", "", false, baseTime)
		b := newRow("1002", "", false, baseTime)
		b.MessageID = a.MessageID
		insertRow(t, repo, a)
		insertRow(t, repo, b)

		rows, err := repo.GetMessagesByMessageID(context.Background(), a.MessageID)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Less(t, rows[0].Sequence, rows[1].Sequence)
	})

	t.Run("NextReadyPrefersNewerNonDlqRow", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		dlqRow := insertRow(t, repo, newRow("2001", model.MessageStateReady, true, baseTime))
		fresh := insertRow(t, repo, newRow("2001", model.MessageStateReady, false, baseTime))

		var picked []int64
		pick := func(ctx context.Context, msg *model.CaseEventMessage) Outcome {
			picked = append(picked, msg.Sequence)
			return Processed()
		}

		ok, err := repo.ProcessNextReady(ctx, baseTime, pick)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = repo.ProcessNextReady(ctx, baseTime, pick)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []int64{fresh.Sequence, dlqRow.Sequence}, picked)
	})

	t.Run("NextReadySkipsHeldRows", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		held := newRow("3001", model.MessageStateReady, false, baseTime)
		until := baseTime.Add(time.Minute)
		held.HoldUntil = &until
		insertRow(t, repo, held)

		ok, err := repo.ProcessNextReady(ctx, baseTime, func(context.Context, *model.CaseEventMessage) Outcome {
			t.Fatal("held row must not be selected")
			return Processed()
		})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.ProcessNextReady(ctx, until.Add(time.Second), func(context.Context, *model.CaseEventMessage) Outcome {
			return Processed()
		})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("RetryOutcomeKeepsReadyAndBacksOff", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		row := insertRow(t, repo, newRow("3002", model.MessageStateReady, false, baseTime))
		holdUntil := baseTime.Add(30 * time.Second)

		_, err := repo.ProcessNextReady(ctx, baseTime, func(context.Context, *model.CaseEventMessage) Outcome {
			return RetryAt(holdUntil)
		})
		require.NoError(t, err)

		got, err := repo.GetBySequence(ctx, row.Sequence)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStateReady, got.State)
		assert.Equal(t, 1, got.RetryCount)
		require.NotNil(t, got.HoldUntil)
		assert.True(t, got.HoldUntil.Equal(holdUntil))
	})

	t.Run("ConcurrentConsumersDispatchEachRowOnce", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		const rows = 30
		for i := 0; i < rows; i++ {
			insertRow(t, repo, newRow(fmt.Sprintf("4%03d", i), model.MessageStateReady, false, baseTime))
		}

		var mu sync.Mutex
		counts := map[int64]int{}
		var wg sync.WaitGroup
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					ok, err := repo.ProcessNextReady(ctx, baseTime, func(_ context.Context, msg *model.CaseEventMessage) Outcome {
						mu.Lock()
						counts[msg.Sequence]++
						mu.Unlock()
						time.Sleep(2 * time.Millisecond)
						return Processed()
					})
					if err != nil {
						t.Errorf("process next ready: %v", err)
						return
					}
					if !ok {
						return
					}
				}
			}()
		}
		wg.Wait()

		require.Len(t, counts, rows)
		for seq, n := range counts {
			assert.Equalf(t, 1, n, "sequence %d dispatched %d times", seq, n)
		}
	})

	t.Run("PromoteToReadyRespectsHoldAndState", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		row := newRow("5001", "", false, baseTime)
		until := baseTime.Add(time.Minute)
		row.HoldUntil = &until
		insertRow(t, repo, row)

		ok, err := repo.PromoteToReady(ctx, row.Sequence, baseTime)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.PromoteToReady(ctx, row.Sequence, until.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.PromoteToReady(ctx, row.Sequence, until.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok, "already READY")
	})

	t.Run("BulkUpdateStateOnlyMovesForward", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		newRowA := insertRow(t, repo, newRow("6001", "", false, baseTime))
		processed := insertRow(t, repo, newRow("6002", model.MessageStateProcessed, false, baseTime))

		n, err := repo.BulkUpdateState(ctx, model.MessageStateReady, newRowA.Sequence, processed.Sequence)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		got, err := repo.GetBySequence(ctx, processed.Sequence)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStateProcessed, got.State)
	})

	t.Run("ProblemMessagesOrderedBySequence", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		old := baseTime.Add(-2 * time.Hour)
		first := insertRow(t, repo, newRow("7001", "", false, old))
		second := insertRow(t, repo, newRow("7002", "", false, old.Add(-time.Hour)))
		insertRow(t, repo, newRow("7003", "", false, baseTime))
		insertRow(t, repo, newRow("7004", model.MessageStateReady, false, old))

		found, err := repo.FindProblemMessages(ctx, baseTime.Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, found, 2)
		assert.Equal(t, first.MessageID, found[0].MessageID)
		assert.Equal(t, second.MessageID, found[1].MessageID)

		holdUntil := baseTime.Add(time.Minute)
		updated, err := repo.BulkUpdateRetryMetadata(ctx, holdUntil, second.Sequence, first.Sequence)
		require.NoError(t, err)
		assert.Equal(t, []int64{first.Sequence, second.Sequence}, updated)

		got, err := repo.GetBySequence(ctx, first.Sequence)
		require.NoError(t, err)
		assert.Equal(t, model.MessageStateNew, got.State)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("DeleteWhereHonoursLimitStateAndAge", func(t *testing.T) {
		ctx := context.Background()
		old := baseTime.AddDate(0, 0, -100)
		seed := func(repo CaseEventMessageRepository) {
			for i := 0; i < 14; i++ {
				insertRow(t, repo, newRow(fmt.Sprintf("8%03d", i), model.MessageStateProcessed, false, old))
			}
			insertRow(t, repo, newRow("8999", model.MessageStateProcessed, false, baseTime))
		}
		filter := CleanUpFilter{
			States:         []model.MessageState{model.MessageStateProcessed},
			ReceivedBefore: baseTime.AddDate(0, 0, -90),
		}

		repo := newRepo(t)
		seed(repo)
		filter.Limit = 1
		n, err := repo.DeleteWhere(ctx, filter, nil)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		repo = newRepo(t)
		seed(repo)
		filter.Limit = 14
		var archived []model.CaseEventMessage
		n, err = repo.DeleteWhere(ctx, filter, func(_ context.Context, rows []model.CaseEventMessage) error {
			archived = rows
			return nil
		})
		require.NoError(t, err)
		assert.EqualValues(t, 14, n)
		assert.Len(t, archived, 14)

		repo = newRepo(t)
		seed(repo)
		n, err = repo.DeleteWhere(ctx, CleanUpFilter{
			States:         []model.MessageState{model.MessageStateUnprocessable},
			ReceivedBefore: filter.ReceivedBefore,
			Limit:          14,
		}, nil)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = repo.DeleteWhere(ctx, CleanUpFilter{ReceivedBefore: filter.ReceivedBefore, Limit: 14}, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("DeleteWhereRollsBackWhenArchiveFails", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		row := insertRow(t, repo, newRow("9001", model.MessageStateProcessed, false, baseTime.AddDate(0, 0, -100)))

		_, err := repo.DeleteWhere(ctx, CleanUpFilter{
			States:         []model.MessageState{model.MessageStateProcessed},
			ReceivedBefore: baseTime,
			Limit:          10,
		}, func(context.Context, []model.CaseEventMessage) error {
			return fmt.Errorf("bucket unavailable")
		})
		require.Error(t, err)

		_, err = repo.GetBySequence(ctx, row.Sequence)
		assert.NoError(t, err, "row must survive a failed archive")
	})
}
