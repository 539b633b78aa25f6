package sync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Apply(ctx context.Context, ev sync.Event) ([]sync.Result, error) {
	args := m.Called(ctx, ev)
	res, _ := args.Get(0).([]sync.Result)
	return res, args.Error(1)
}

func (m *MockService) Reconcile(ctx context.Context, terminalID string, trigger sync.Trigger) (*sync.Run, error) {
	args := m.Called(ctx, terminalID, trigger)
	run, _ := args.Get(0).(*sync.Run)
	return run, args.Error(1)
}

func (m *MockService) ReconcileAll(ctx context.Context, trigger sync.Trigger) ([]sync.Run, error) {
	args := m.Called(ctx, trigger)
	runs, _ := args.Get(0).([]sync.Run)
	return runs, args.Error(1)
}

func (m *MockService) Runs(ctx context.Context, terminalID string, limit int) ([]sync.Run, error) {
	args := m.Called(ctx, terminalID, limit)
	runs, _ := args.Get(0).([]sync.Run)
	return runs, args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, ev sync.Event) error {
	return m.Called(ctx, ev).Error(0)
}

func created(upstreamID string) sync.Event {
	return sync.Event{
		Type:       sync.EventIdentityCreated,
		UpstreamID: upstreamID,
		Identity:   &sync.Identity{Registration: "R-" + upstreamID, Name: "Ana"},
	}
}

func TestHandler_applyEventInline(t *testing.T) {
	service := new(MockService)
	service.On("Apply", mock.Anything, mock.MatchedBy(func(ev sync.Event) bool {
		return ev.UpstreamID == "u1" && ev.ID != ""
	})).Return([]sync.Result{{TerminalID: "gate-1", UpstreamID: "u1", Outcome: sync.OutcomeCreated, DeviceUserID: 42}}, nil)

	h := NewHandler(service, nil, logger.Discard(), huma.Middlewares{})
	out, err := h.applyEvent(context.Background(), &eventInput{Body: created("u1")})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, "Ok", out.Body.Status)
	require.Len(t, out.Body.Data, 1)
	assert.EqualValues(t, 42, out.Body.Data[0].DeviceUserID)
	service.AssertExpectations(t)
}

func TestHandler_applyEventErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"invalid", fmt.Errorf("%w: registration is required", sync.ErrInvalidEvent), http.StatusUnprocessableEntity},
		{"unknown terminal", fmt.Errorf("%w: gate-9", sync.ErrUnknownTerminal), http.StatusNotFound},
		{"storage", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := new(MockService)
			service.On("Apply", mock.Anything, mock.Anything).Return(nil, tt.err)

			h := NewHandler(service, nil, logger.Discard(), huma.Middlewares{})
			out, err := h.applyEvent(context.Background(), &eventInput{Body: created("u1")})

			require.NoError(t, err)
			assert.Equal(t, tt.code, out.Status)
			assert.Equal(t, "Error", out.Body.Status)
			assert.Equal(t, tt.err.Error(), out.Body.Error)
		})
	}
}

func TestHandler_applyEventQueued(t *testing.T) {
	service := new(MockService)
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(ev sync.Event) bool { return ev.UpstreamID == "u1" })).Return(nil)

	h := NewHandler(service, publisher, logger.Discard(), huma.Middlewares{})
	out, err := h.applyEvent(context.Background(), &eventInput{Body: created("u1")})

	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, out.Status)
	assert.True(t, out.Body.Queued)
	service.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
	publisher.AssertExpectations(t)
}

func TestHandler_applyEventQueuedValidatesFirst(t *testing.T) {
	publisher := new(MockPublisher)
	h := NewHandler(new(MockService), publisher, logger.Discard(), huma.Middlewares{})

	out, err := h.applyEvent(context.Background(), &eventInput{Body: sync.Event{Type: sync.EventIdentityCreated, UpstreamID: "u1"}})

	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, out.Status)
	publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestHandler_applyEventBrokerDown(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("dial broker: connection refused"))
	h := NewHandler(new(MockService), publisher, logger.Discard(), huma.Middlewares{})

	out, err := h.applyEvent(context.Background(), &eventInput{Body: created("u1")})

	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
	assert.Equal(t, "event queue unavailable", out.Body.Error)
}

func TestHandler_reconcile(t *testing.T) {
	done := &sync.Run{TerminalID: "gate-1", Status: sync.RunCompleted, Created: 2}
	aborted := &sync.Run{TerminalID: "gate-2", Status: sync.RunAborted, Error: "load_objects: transient: timeout"}

	service := new(MockService)
	service.On("Reconcile", mock.Anything, "gate-1", sync.TriggerManual).Return(done, nil)
	service.On("Reconcile", mock.Anything, "gate-2", sync.TriggerManual).
		Return(aborted, terminal.Transient("load_objects", errors.New("timeout")))
	service.On("Reconcile", mock.Anything, "gate-3", sync.TriggerManual).Return(nil, sync.ErrPassInProgress)

	h := NewHandler(service, nil, logger.Discard(), huma.Middlewares{})

	out, err := h.reconcile(context.Background(), &terminalInput{TerminalID: "gate-1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Equal(t, 2, out.Body.Data.Created)

	out, err = h.reconcile(context.Background(), &terminalInput{TerminalID: "gate-2"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, out.Status)
	assert.Equal(t, sync.RunAborted, out.Body.Data.Status)

	out, err = h.reconcile(context.Background(), &terminalInput{TerminalID: "gate-3"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, out.Status)
	assert.Nil(t, out.Body.Data)
}

func TestHandler_runs(t *testing.T) {
	service := new(MockService)
	service.On("Runs", mock.Anything, "gate-1", 5).Return([]sync.Run{{ID: "r2"}, {ID: "r1"}}, nil)

	h := NewHandler(service, nil, logger.Discard(), huma.Middlewares{})
	out, err := h.runs(context.Background(), &runsInput{TerminalID: "gate-1", Limit: 5})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out.Status)
	assert.Len(t, out.Body.Data, 2)
}
