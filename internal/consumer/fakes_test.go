package consumer

import (
	"context"
	"sync"
	"time"

	"caseintake/internal/model"
	"caseintake/internal/servicebus"

	"github.com/stretchr/testify/mock"
)

// fakeReceiver serves queued messages then reports idle. Settlements are appended to events.
type fakeReceiver struct {
	mu       sync.Mutex
	queue    []*servicebus.Message
	events   *[]string
	settled  map[string]string
	reasons  map[string]string
	descs    map[string]string
	closed   bool
	blockOn  chan struct{}
	received chan struct{}
}

func newFakeReceiver(events *[]string, msgs ...*servicebus.Message) *fakeReceiver {
	return &fakeReceiver{
		queue:    msgs,
		events:   events,
		settled:  map[string]string{},
		reasons:  map[string]string{},
		descs:    map[string]string{},
		received: make(chan struct{}, 16),
	}
}

func (f *fakeReceiver) record(action string, msg *servicebus.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settled[msg.ID] = action
	if f.events != nil {
		*f.events = append(*f.events, action+":"+msg.ID)
	}
}

func (f *fakeReceiver) Receive(ctx context.Context) (*servicebus.Message, error) {
	f.mu.Lock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return nil, nil
		}
	}
	m := f.queue[0]
	f.queue = f.queue[1:]
	block := f.blockOn
	f.mu.Unlock()
	f.received <- struct{}{}
	if block != nil {
		<-block
	}
	return m, nil
}

func (f *fakeReceiver) Complete(_ context.Context, msg *servicebus.Message) error {
	f.record("complete", msg)
	return nil
}

func (f *fakeReceiver) Abandon(_ context.Context, msg *servicebus.Message) error {
	f.record("abandon", msg)
	return nil
}

func (f *fakeReceiver) DeadLetter(_ context.Context, msg *servicebus.Message, reason, description string) error {
	f.record("deadletter", msg)
	f.mu.Lock()
	f.reasons[msg.ID] = reason
	f.descs[msg.ID] = description
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiver) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiver) action(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled[id]
}

type mockStore struct {
	mock.Mock
	events *[]string
}

func (m *mockStore) Insert(ctx context.Context, msg *model.CaseEventMessage) error {
	args := m.Called(ctx, msg)
	if args.Error(0) == nil {
		msg.Sequence = 1
		if m.events != nil {
			*m.events = append(*m.events, "insert:"+msg.MessageID)
		}
	}
	return args.Error(0)
}

// fakeAcceptor hands out the queued sessions once each, then reports ErrNoSession.
type fakeAcceptor struct {
	mu       sync.Mutex
	sessions []servicebus.Receiver
}

func (a *fakeAcceptor) AcceptNextSession(ctx context.Context) (servicebus.Receiver, error) {
	a.mu.Lock()
	if len(a.sessions) > 0 {
		s := a.sessions[0]
		a.sessions = a.sessions[1:]
		a.mu.Unlock()
		return s, nil
	}
	a.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, servicebus.ErrNoSession
	}
}

type fakeDeadLetterSource struct {
	mu    sync.Mutex
	r     servicebus.Receiver
	opens int
}

func (s *fakeDeadLetterSource) OpenDeadLetterReceiver(context.Context) (servicebus.Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	return s.r, nil
}

func caseEventBody(caseID string) []byte {
	return []byte(`{"EventInstanceId":"ev-` + caseID + `","CaseId":"` + caseID + `","JurisdictionId":"IA","CaseTypeId":"Asylum","EventId":"submitAppeal","NewStateId":"appealSubmitted","UserId":"user-1","AdditionalData":{"Data":{"secret":"x"}},"MessageProperties":{"origin":"ccd"}}`)
}
