package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

// MockAuthenticator is a mock implementation of the Authenticator interface for testing
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Login(ctx context.Context, t *terminal.Terminal) (string, error) {
	args := m.Called(ctx, t)
	return args.String(0), args.Error(1)
}

func (m *MockAuthenticator) IsValid(ctx context.Context, t *terminal.Terminal, token string) (bool, error) {
	args := m.Called(ctx, t, token)
	return args.Bool(0), args.Error(1)
}

func (m *MockAuthenticator) Logout(ctx context.Context, t *terminal.Terminal, token string) error {
	args := m.Called(ctx, t, token)
	return args.Error(0)
}

func newTerminal() *terminal.Terminal {
	return &terminal.Terminal{ID: "gate-1", Address: "10.0.0.1", Login: "admin", Password: "admin"}
}

func TestService_Acquire_LoginAndCache(t *testing.T) {
	auth := new(MockAuthenticator)
	service := NewService(auth, logger.Discard())
	term := newTerminal()

	auth.On("Login", mock.Anything, mock.Anything).Return("tok-1", nil).Once()

	token, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Within the probe interval no probe and no login happen
	token, err = service.Acquire(context.Background(), term)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	auth.AssertExpectations(t)
	auth.AssertNotCalled(t, "IsValid", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_Acquire_ProbesAfterInterval(t *testing.T) {
	auth := new(MockAuthenticator)
	service := NewService(auth, logger.Discard(), Config{ProbeInterval: time.Minute})
	now := time.Now()
	service.now = func() time.Time { return now }
	term := newTerminal()

	auth.On("Login", mock.Anything, mock.Anything).Return("tok-1", nil).Once()
	auth.On("IsValid", mock.Anything, mock.Anything, "tok-1").Return(true, nil).Once()

	_, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	token, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	auth.AssertExpectations(t)
}

func TestService_Acquire_InvalidProbeRelogins(t *testing.T) {
	auth := new(MockAuthenticator)
	service := NewService(auth, logger.Discard(), Config{ProbeInterval: 0})
	term := newTerminal()

	auth.On("Login", mock.Anything, mock.Anything).Return("tok-1", nil).Once()
	auth.On("IsValid", mock.Anything, mock.Anything, "tok-1").Return(false, nil).Once()
	auth.On("Login", mock.Anything, mock.Anything).Return("tok-2", nil).Once()

	_, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)

	token, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)

	auth.AssertExpectations(t)
}

func TestService_Acquire_TransientProbe(t *testing.T) {
	auth := new(MockAuthenticator)
	service := NewService(auth, logger.Discard(), Config{ProbeInterval: 0})
	term := newTerminal()

	auth.On("Login", mock.Anything, mock.Anything).Return("tok-1", nil).Once()
	auth.On("IsValid", mock.Anything, mock.Anything, "tok-1").
		Return(false, terminal.Transient("session_is_valid", errors.New("connection refused"))).Once()

	_, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)

	_, err = service.Acquire(context.Background(), term)
	require.Error(t, err)
	assert.Equal(t, terminal.KindTransient, terminal.KindOf(err))

	auth.AssertExpectations(t)
}

func TestService_Acquire_SingleFlight(t *testing.T) {
	auth := new(MockAuthenticator)
	service := NewService(auth, logger.Discard())
	term := newTerminal()

	auth.On("Login", mock.Anything, mock.Anything).
		Return("tok-1", nil).
		WaitUntil(time.After(50 * time.Millisecond)).
		Once()

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := service.Acquire(context.Background(), term)
			assert.NoError(t, err)
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	for _, token := range tokens {
		assert.Equal(t, "tok-1", token)
	}
	auth.AssertNumberOfCalls(t, "Login", 1)
}

func TestService_Acquire_LoginErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind terminal.Kind
	}{
		{
			name:     "bad credentials",
			err:      terminal.SessionExpired("login", "invalid credentials"),
			wantKind: terminal.KindFatal,
		},
		{
			name:     "unreachable",
			err:      terminal.Transient("login", errors.New("no route to host")),
			wantKind: terminal.KindTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth := new(MockAuthenticator)
			service := NewService(auth, logger.Discard())
			auth.On("Login", mock.Anything, mock.Anything).Return("", tt.err).Once()

			_, err := service.Acquire(context.Background(), newTerminal())
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, terminal.KindOf(err))
			auth.AssertExpectations(t)
		})
	}
}

func TestService_Invalidate(t *testing.T) {
	auth := new(MockAuthenticator)
	service := NewService(auth, logger.Discard())
	term := newTerminal()

	auth.On("Login", mock.Anything, mock.Anything).Return("tok-1", nil).Once()
	auth.On("Login", mock.Anything, mock.Anything).Return("tok-2", nil).Once()

	_, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)

	service.Invalidate(term.ID, "tok-1")
	token, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)

	// A stale token does not throw away the renewed session
	service.Invalidate(term.ID, "tok-1")
	token, err = service.Acquire(context.Background(), term)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)

	auth.AssertExpectations(t)
}

func TestService_Close(t *testing.T) {
	auth := new(MockAuthenticator)
	service := NewService(auth, logger.Discard())
	term := newTerminal()

	auth.On("Login", mock.Anything, mock.Anything).Return("tok-1", nil).Once()
	auth.On("Logout", mock.Anything, mock.Anything, "tok-1").Return(errors.New("timeout")).Once()

	_, err := service.Acquire(context.Background(), term)
	require.NoError(t, err)

	service.Close(context.Background())
	auth.AssertExpectations(t)

	_, ok := service.cached(term.ID)
	assert.False(t, ok)
}
