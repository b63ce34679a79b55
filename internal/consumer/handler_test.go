package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"caseintake/internal/model"
	"caseintake/internal/repository"
	"caseintake/internal/servicebus"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestHandle_StoresBeforeCompleting(t *testing.T) {
	var events []string
	store := &mockStore{events: &events}
	store.On("Insert", mock.Anything, mock.MatchedBy(func(m *model.CaseEventMessage) bool {
		return m.CaseID == "1001" && m.State == model.MessageStateNew && !m.FromDlq &&
			m.DeliveryCount == 1 && string(m.MessageProperties) == `{"origin":"ccd"}`
	})).Return(nil).Once()

	r := newFakeReceiver(&events)
	h := NewMessageHandler(store, HandlerOptions{RetryAttempts: 3}, zerolog.Nop(), nil)
	msg := &servicebus.Message{ID: "m-1", Body: caseEventBody("1001"), DeliveryCount: 1}

	require.NoError(t, h.Handle(context.Background(), r, msg))
	assert.Equal(t, []string{"insert:m-1", "complete:m-1"}, events)
	store.AssertExpectations(t)
}

func TestHandle_StoresRowsAgainstMemoryRepository(t *testing.T) {
	repo := repository.NewMemoryRepository(nil)
	h := NewMessageHandler(repo, HandlerOptions{RetryAttempts: 3, FromDlq: true}, zerolog.Nop(), nil)
	r := newFakeReceiver(nil)

	for _, id := range []string{"dup", "dup"} {
		require.NoError(t, h.Handle(context.Background(), r, &servicebus.Message{ID: id, Body: caseEventBody("2002"), DeliveryCount: 1}))
	}

	rows, err := repo.GetMessagesByMessageID(context.Background(), "dup")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].FromDlq)
	assert.Equal(t, model.MessageStateNew, rows[0].State)
	assert.JSONEq(t, string(caseEventBody("2002")), rows[0].MessageContent)
}

func TestHandle_MalformedPayloadIsDeadLetteredOnFirstDelivery(t *testing.T) {
	for _, body := range []string{`{not json`, `{"EventId":"x"}`, `{"CaseId":"   "}`} {
		t.Run(body, func(t *testing.T) {
			store := &mockStore{}
			r := newFakeReceiver(nil)
			h := NewMessageHandler(store, HandlerOptions{RetryAttempts: 10}, zerolog.Nop(), nil)
			msg := &servicebus.Message{ID: "bad", Body: []byte(body), DeliveryCount: 1}

			require.NoError(t, h.Handle(context.Background(), r, msg))
			assert.Equal(t, "deadletter", r.action("bad"))
			assert.Equal(t, "MessageDeserializationError", r.reasons["bad"])

			var desc model.DeadLetterDescription
			require.NoError(t, json.Unmarshal([]byte(r.descs["bad"]), &desc))
			assert.Equal(t, body, desc.OriginalMessage)
			assert.NotEmpty(t, desc.ErrorDescription)
			store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
		})
	}
}

func TestHandle_TransientStoreFailureAlwaysAbandons(t *testing.T) {
	store := &mockStore{}
	store.On("Insert", mock.Anything, mock.Anything).Return(&pgconn.PgError{Code: "08006"})
	r := newFakeReceiver(nil)
	h := NewMessageHandler(store, HandlerOptions{RetryAttempts: 2}, zerolog.Nop(), nil)

	msg := &servicebus.Message{ID: "m", Body: caseEventBody("3003"), DeliveryCount: 50}
	require.NoError(t, h.Handle(context.Background(), r, msg))
	assert.Equal(t, "abandon", r.action("m"))
}

func TestHandle_ApplicationFailureRetriesThenDeadLetters(t *testing.T) {
	tests := []struct {
		name          string
		deliveryCount int
		err           error
		wantAction    string
		wantErrorDesc string
	}{
		{"below ceiling", 2, errors.New("constraint violated"), "abandon", ""},
		{"at ceiling", 3, errors.New("constraint violated"), "deadletter", "constraint violated"},
		{"above ceiling", 7, errors.New("constraint violated"), "deadletter", "constraint violated"},
		{"empty error message", 3, errors.New(""), "deadletter", "Unknown Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{}
			store.On("Insert", mock.Anything, mock.Anything).Return(tt.err)
			r := newFakeReceiver(nil)
			h := NewMessageHandler(store, HandlerOptions{RetryAttempts: 3}, zerolog.Nop(), nil)

			msg := &servicebus.Message{ID: "m", Body: caseEventBody("4004"), DeliveryCount: tt.deliveryCount}
			require.NoError(t, h.Handle(context.Background(), r, msg))
			require.Equal(t, tt.wantAction, r.action("m"))
			if tt.wantAction != "deadletter" {
				return
			}
			assert.Equal(t, "ApplicationProcessingError", r.reasons["m"])

			var desc model.DeadLetterDescription
			require.NoError(t, json.Unmarshal([]byte(r.descs["m"]), &desc))
			assert.Equal(t, tt.wantErrorDesc, desc.ErrorDescription)

			var redacted map[string]any
			require.NoError(t, json.Unmarshal([]byte(desc.OriginalMessage), &redacted))
			assert.Equal(t, "4004", redacted["CaseId"])
			assert.Empty(t, redacted["UserId"])
			assert.NotContains(t, redacted, "AdditionalData")
		})
	}
}

func TestHandle_DeadLetterFromDlqCompletes(t *testing.T) {
	r := newFakeReceiver(nil)
	h := NewMessageHandler(&mockStore{}, HandlerOptions{RetryAttempts: 1, FromDlq: true}, zerolog.Nop(), nil)

	require.NoError(t, h.Handle(context.Background(), r, &servicebus.Message{ID: "bad", Body: []byte("nope")}))
	assert.Equal(t, "complete", r.action("bad"))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "Unknown Error", errorMessage(nil))
	assert.Equal(t, "Unknown Error", errorMessage(errors.New("")))
	assert.Equal(t, "boom", errorMessage(errors.New("boom")))
}
