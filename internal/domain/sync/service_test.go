package sync_test

import (
	"context"
	"errors"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"controlsync/internal/domain/gateway"
	"controlsync/internal/domain/gateway/gatewaytest"
	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/session"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
	"controlsync/internal/infrastructure/lock"
	"controlsync/internal/infrastructure/storage/memory"
	"controlsync/internal/utils/logger"
)

const gate = "gate-1"

type harness struct {
	fake     *gatewaytest.Terminal
	store    *memory.Storage
	mappings *mapping.Service
	photos   *photo.Service
	engine   *sync.Service

	gw     gateway.Servicer
	locker sync.Locker
	cfg    sync.Config
}

func newHarness(t *testing.T, cfg sync.Config, locker sync.Locker) *harness {
	t.Helper()
	h := &harness{fake: gatewaytest.New(), store: memory.New()}
	require.NoError(t, h.store.Terminals().Upsert(context.Background(), &terminal.Terminal{
		ID:             gate,
		Address:        "10.0.0.1",
		Login:          "admin",
		Password:       "admin",
		MaxConcurrency: 4,
	}))

	gwCfg := gateway.DefaultConfig()
	gwCfg.MaxAttempts = 1
	gw := gateway.NewService(h.fake, session.NewService(h.fake, logger.Discard()), logger.Discard(), gwCfg)

	if locker == nil {
		locker = lock.NewMemory()
	}
	h.mappings = mapping.NewService(h.store.Mappings(), logger.Discard())
	h.photos = photo.NewService(h.store.Photos(), h.mappings, gw, h.store.Terminals(), logger.Discard())
	h.gw, h.locker, h.cfg = gw, locker, cfg
	h.withDirectory(h.store.Directory())
	return h
}

// withDirectory пересобирает движок поверх другой реплики каталога
func (h *harness) withDirectory(dir sync.DirectoryRepository) {
	h.engine = sync.NewService(
		h.store.Terminals(),
		h.mappings,
		h.gw,
		dir,
		h.store.Runs(),
		h.locker,
		h.photos,
		logger.Discard(),
		h.cfg,
	)
}

func (h *harness) apply(t *testing.T, ev sync.Event) sync.Result {
	t.Helper()
	results, err := h.engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, results, 1)
	return results[0]
}

func (h *harness) mapping(t *testing.T, upstreamID string) *mapping.Mapping {
	t.Helper()
	m, err := h.mappings.Get(context.Background(), upstreamID, gate)
	require.NoError(t, err)
	return m
}

func created(upstreamID, registration, name string, seq int64) sync.Event {
	return sync.Event{
		ID:         "ev-" + upstreamID,
		Type:       sync.EventIdentityCreated,
		UpstreamID: upstreamID,
		TerminalID: gate,
		Sequence:   seq,
		Identity:   &sync.Identity{UpstreamID: upstreamID, Registration: registration, Name: name},
	}
}

func updated(upstreamID, registration, name string, seq int64) sync.Event {
	ev := created(upstreamID, registration, name, seq)
	ev.Type = sync.EventIdentityUpdated
	return ev
}

func deleted(upstreamID string, seq int64) sync.Event {
	return sync.Event{Type: sync.EventIdentityDeleted, UpstreamID: upstreamID, TerminalID: gate, Sequence: seq}
}

func TestApply_CreateIdentity(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.fake.SetNextID(42)

	res := h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeCreated, res.Outcome)
	assert.Equal(t, int64(42), res.DeviceUserID)

	m := h.mapping(t, "u1")
	assert.Equal(t, int64(42), m.DeviceUserID)
	assert.Equal(t, mapping.StateCreated, m.State)
	assert.Equal(t, "1001", m.NaturalKey)
	assert.Equal(t, int64(1), m.Sequence)

	u, ok := h.fake.User(42)
	require.True(t, ok)
	assert.Equal(t, "Ana", u.String("name"))
}

func TestApply_UpdateIdentity(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.fake.SetNextID(42)
	h.apply(t, created("u1", "1001", "Ana", 1))

	res := h.apply(t, updated("u1", "1001", "Ana Souza", 2))
	assert.Equal(t, sync.OutcomeUpdated, res.Outcome)
	assert.Equal(t, 1, h.fake.Calls("create_objects"))
	assert.Equal(t, 1, h.fake.Calls("modify_objects"))

	u, ok := h.fake.User(42)
	require.True(t, ok)
	assert.Equal(t, "Ana Souza", u.String("name"))

	m := h.mapping(t, "u1")
	assert.Equal(t, int64(42), m.DeviceUserID)
	assert.Equal(t, mapping.StateCreated, m.State)
	assert.Len(t, h.fake.Users(), 1)
}

func TestApply_UpdateWithSameAttributesIsNoop(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.apply(t, created("u1", "1001", "Ana", 1))

	res := h.apply(t, updated("u1", "1001", "Ana", 2))
	assert.Equal(t, sync.OutcomeSkipped, res.Outcome)
	assert.Equal(t, 0, h.fake.Calls("modify_objects"))
	assert.Equal(t, int64(2), h.mapping(t, "u1").Sequence)
}

func TestApply_DeleteMissingUser(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness, id int64)
	}{
		{
			name: "destroy touches no rows",
			setup: func(h *harness, id int64) {
				h.fake.Remove(id)
			},
		},
		{
			name: "terminal reports not found",
			setup: func(h *harness, _ int64) {
				h.fake.Fail("destroy_objects", terminal.Rejected("destroy_objects", terminal.ReasonNotFound, "User not found"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, sync.DefaultConfig(), nil)
			h.fake.SetNextID(42)
			h.apply(t, created("u1", "1001", "Ana", 1))
			tt.setup(h, 42)

			res := h.apply(t, deleted("u1", 3))
			assert.Equal(t, sync.OutcomeDeleted, res.Outcome)
			assert.Empty(t, res.Error)

			m := h.mapping(t, "u1")
			assert.Equal(t, mapping.StateDeleted, m.State)
			assert.Equal(t, int64(3), m.Sequence)
		})
	}
}

func TestApply_DeleteRemovesUser(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	res := h.apply(t, created("u1", "1001", "Ana", 1))

	res = h.apply(t, deleted("u1", 2))
	assert.Equal(t, sync.OutcomeDeleted, res.Outcome)
	_, ok := h.fake.User(res.DeviceUserID)
	assert.False(t, ok)
	assert.Equal(t, mapping.StateDeleted, h.mapping(t, "u1").State)
}

func TestApply_DeleteNeedsConfirmations(t *testing.T) {
	cfg := sync.DefaultConfig()
	cfg.DeleteConfirmations = 2
	h := newHarness(t, cfg, nil)
	res := h.apply(t, created("u1", "1001", "Ana", 1))
	h.fake.Remove(res.DeviceUserID)

	res = h.apply(t, deleted("u1", 2))
	assert.Equal(t, sync.OutcomeSkipped, res.Outcome)
	m := h.mapping(t, "u1")
	assert.Equal(t, mapping.StatePendingDelete, m.State)
	assert.Equal(t, 1, m.MissingCount)

	res = h.apply(t, deleted("u1", 2))
	assert.Equal(t, sync.OutcomeDeleted, res.Outcome)
	assert.Equal(t, mapping.StateDeleted, h.mapping(t, "u1").State)
}

func TestApply_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ev := created("u1", "1001", "Ana", 1)

	first := h.apply(t, ev)
	second := h.apply(t, ev)
	assert.Equal(t, sync.OutcomeCreated, first.Outcome)
	assert.Equal(t, sync.OutcomeSkipped, second.Outcome)
	assert.Equal(t, 1, h.fake.Calls("create_objects"))

	list, err := h.mappings.ListByTerminal(context.Background(), gate)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApply_ConcurrentReplays(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ev := created("u1", "1001", "Ana", 1)

	var wg gosync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Apply(context.Background(), ev)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.fake.Calls("create_objects"))
	assert.Len(t, h.fake.Users(), 1)
	assert.Equal(t, mapping.StateCreated, h.mapping(t, "u1").State)
}

func TestApply_AdoptsPrepopulatedUser(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	id := h.fake.Seed(terminal.Values{"registration": "1001", "name": "Ana"})

	res := h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeAdopted, res.Outcome)
	assert.Equal(t, id, res.DeviceUserID)
	assert.Equal(t, 0, h.fake.Calls("create_objects"))
	assert.Equal(t, 0, h.fake.Calls("modify_objects"))
	assert.Equal(t, mapping.StateCreated, h.mapping(t, "u1").State)
}

func TestApply_AdoptionAppliesDesiredAttributes(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	id := h.fake.Seed(terminal.Values{"registration": "1001", "name": "old"})

	res := h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeAdopted, res.Outcome)
	assert.Equal(t, 1, h.fake.Calls("modify_objects"))

	u, _ := h.fake.User(id)
	assert.Equal(t, "Ana", u.String("name"))
}

func TestApply_AmbiguousAdoptionIsRejected(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.fake.Seed(terminal.Values{"registration": "1001", "name": "A"})
	h.fake.Seed(terminal.Values{"registration": "1001", "name": "B"})

	res := h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "share registration")
	assert.Equal(t, 0, h.fake.Calls("create_objects"))

	m := h.mapping(t, "u1")
	assert.Equal(t, mapping.StatePendingCreate, m.State)
	assert.NotEmpty(t, m.RejectedDigest)
	loads := h.fake.Calls("load_objects")

	// та же запись upstream больше не обрабатывается
	res = h.apply(t, updated("u1", "1001", "Ana", 2))
	assert.Equal(t, sync.OutcomeSkipped, res.Outcome)
	assert.Equal(t, loads, h.fake.Calls("load_objects"))

	// изменение записи снимает блокировку
	res = h.apply(t, updated("u1", "1001", "Ana Maria", 3))
	assert.Equal(t, sync.OutcomeFailed, res.Outcome)
	assert.Greater(t, h.fake.Calls("load_objects"), loads)
}

func TestApply_DeviceMappedToAnotherIdentity(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.apply(t, created("u1", "1001", "Ana", 1))

	res := h.apply(t, created("u2", "1001", "Bia", 1))
	assert.Equal(t, sync.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, string(terminal.ReasonAmbiguous))
	assert.Contains(t, res.Error, "already mapped to u1")
	assert.Equal(t, 1, h.fake.Calls("create_objects"))
	assert.NotEmpty(t, h.mapping(t, "u2").RejectedDigest)
}

func TestApply_DuplicateKeyWithoutMatchIsBlocked(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.fake.Fail("create_objects", terminal.Rejected("create_objects", terminal.ReasonDuplicateKey, "UNIQUE constraint failed"))

	res := h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "reported duplicate")

	m := h.mapping(t, "u1")
	assert.NotEmpty(t, m.LastError)
	assert.NotEmpty(t, m.RejectedDigest)

	res = h.apply(t, updated("u1", "1001", "Ana", 2))
	assert.Equal(t, sync.OutcomeSkipped, res.Outcome)
	assert.Equal(t, 1, h.fake.Calls("create_objects"))
}

func TestApply_CapacityRejection(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.fake.MaxUsers = 1
	h.apply(t, created("u1", "1001", "Ana", 1))

	res := h.apply(t, created("u2", "1002", "Bia", 1))
	assert.Equal(t, sync.OutcomeFailed, res.Outcome)
	m := h.mapping(t, "u2")
	assert.Contains(t, m.LastError, "capacity")
	assert.NotEmpty(t, m.RejectedDigest)
}

func TestApply_TransientFailureIsRetriedLater(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.fake.Fail("create_objects", terminal.Transient("create_objects", errors.New("connection reset")))

	res := h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeFailed, res.Outcome)
	m := h.mapping(t, "u1")
	assert.Empty(t, m.RejectedDigest)
	assert.Equal(t, mapping.StatePendingCreate, m.State)

	res = h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeCreated, res.Outcome)
	assert.Empty(t, h.mapping(t, "u1").LastError)
}

func TestApply_DeleteBeforeCreateNeverCreates(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)

	res := h.apply(t, deleted("u1", 2))
	assert.Equal(t, sync.OutcomeSkipped, res.Outcome)

	res = h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeSkipped, res.Outcome)
	assert.Equal(t, 0, h.fake.Calls("create_objects"))
	assert.Empty(t, h.fake.Users())

	_, err := h.mappings.Get(context.Background(), "u1", gate)
	assert.ErrorIs(t, err, mapping.ErrNotFound)
}

func TestApply_DeleteRemovesUnconfirmedCreate(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx := context.Background()
	h.fake.Seed(terminal.Values{"registration": "1001", "name": "Ana"})
	_, err := h.mappings.Upsert(ctx, &mapping.Mapping{
		UpstreamID: "u1",
		TerminalID: gate,
		NaturalKey: "1001",
		State:      mapping.StatePendingCreate,
		Sequence:   1,
	})
	require.NoError(t, err)

	res := h.apply(t, deleted("u1", 2))
	assert.Equal(t, sync.OutcomeDeleted, res.Outcome)
	assert.Empty(t, h.fake.Users())
	assert.Equal(t, mapping.StateDeleted, h.mapping(t, "u1").State)
}

func TestApply_DeleteUnconfirmedKeepsForeignOwner(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx := context.Background()
	owned := h.apply(t, created("u2", "1001", "Ana", 1))
	_, err := h.mappings.Upsert(ctx, &mapping.Mapping{
		UpstreamID: "u1",
		TerminalID: gate,
		NaturalKey: "1001",
		State:      mapping.StatePendingCreate,
		Sequence:   1,
	})
	require.NoError(t, err)

	res := h.apply(t, deleted("u1", 2))
	assert.Equal(t, sync.OutcomeDeleted, res.Outcome)
	_, ok := h.fake.User(owned.DeviceUserID)
	assert.True(t, ok)
}

func TestApply_RecreateAfterDelete(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	first := h.apply(t, created("u1", "1001", "Ana", 1))
	h.apply(t, deleted("u1", 2))

	res := h.apply(t, created("u1", "1001", "Ana", 3))
	assert.Equal(t, sync.OutcomeCreated, res.Outcome)
	assert.NotEqual(t, first.DeviceUserID, res.DeviceUserID)
	assert.Equal(t, mapping.StateCreated, h.mapping(t, "u1").State)
}

func TestApply_GroupLinks(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ev := created("u1", "1001", "Ana", 1)
	ev.Identity.GroupIDs = []int64{2, 1}

	res := h.apply(t, ev)
	assert.ElementsMatch(t, []int64{1, 2}, h.fake.UserGroups(res.DeviceUserID))

	ev = updated("u1", "1001", "Ana", 2)
	ev.Identity.GroupIDs = []int64{3}
	res = h.apply(t, ev)
	assert.Equal(t, sync.OutcomeUpdated, res.Outcome)
	assert.Equal(t, []int64{3}, h.fake.UserGroups(res.DeviceUserID))
}

func TestApply_AllTerminals(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	require.NoError(t, h.store.Terminals().Upsert(context.Background(), &terminal.Terminal{ID: "gate-2", Address: "10.0.0.2"}))

	ev := created("u1", "1001", "Ana", 1)
	ev.TerminalID = ""
	results, err := h.engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, gate, results[0].TerminalID)
	assert.Equal(t, "gate-2", results[1].TerminalID)
	// один поддельный терминал стоит за обоими адресами
	assert.Equal(t, sync.OutcomeCreated, results[0].Outcome)
	assert.Equal(t, sync.OutcomeAdopted, results[1].Outcome)
}

func TestApply_Validation(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)

	tests := []struct {
		name string
		ev   sync.Event
	}{
		{"no upstream id", sync.Event{Type: sync.EventIdentityDeleted}},
		{"unknown type", sync.Event{Type: "identity.renamed", UpstreamID: "u1"}},
		{"create without identity", sync.Event{Type: sync.EventIdentityCreated, UpstreamID: "u1"}},
		{"create without registration", sync.Event{Type: sync.EventIdentityCreated, UpstreamID: "u1", Identity: &sync.Identity{Name: "Ana"}}},
		{"identity mismatch", sync.Event{Type: sync.EventIdentityUpdated, UpstreamID: "u1", Identity: &sync.Identity{UpstreamID: "u2", Registration: "1"}}},
		{"photo without image", sync.Event{Type: sync.EventPhotoAttached, UpstreamID: "u1"}},
		{"negative sequence", sync.Event{Type: sync.EventIdentityDeleted, UpstreamID: "u1", Sequence: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.Apply(context.Background(), tt.ev)
			assert.ErrorIs(t, err, sync.ErrInvalidEvent)
		})
	}

	ev := created("u1", "1001", "Ana", 1)
	ev.TerminalID = "missing"
	_, err := h.engine.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, sync.ErrUnknownTerminal)
}

func jpeg(seed byte) []byte {
	return []byte{0xFF, 0xD8, 0xFF, 0xE0, seed, 0x00, 0x10}
}

func TestApply_PhotoEvents(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	res := h.apply(t, created("u1", "1001", "Ana", 1))
	device := res.DeviceUserID

	queued := h.apply(t, sync.Event{
		Type:       sync.EventPhotoAttached,
		UpstreamID: "u1",
		TerminalID: gate,
		Photo:      &sync.PhotoPayload{Image: jpeg(1)},
	})
	assert.Equal(t, sync.OutcomeQueued, queued.Outcome)

	drained, err := h.photos.Drain(context.Background(), gate)
	require.NoError(t, err)
	assert.Equal(t, 1, drained.Accepted)

	urgent := h.apply(t, sync.Event{
		Type:       sync.EventPhotoAttached,
		UpstreamID: "u1",
		TerminalID: gate,
		Photo:      &sync.PhotoPayload{Image: jpeg(2), Urgent: true},
	})
	assert.Equal(t, sync.OutcomeUpdated, urgent.Outcome)
	stored, ok := h.fake.Photo(device)
	require.True(t, ok)
	assert.Equal(t, jpeg(2), stored)

	same := h.apply(t, sync.Event{
		Type:       sync.EventPhotoAttached,
		UpstreamID: "u1",
		TerminalID: gate,
		Photo:      &sync.PhotoPayload{Image: jpeg(2)},
	})
	assert.Equal(t, sync.OutcomeSkipped, same.Outcome)
}

func TestApply_UrgentPhotoWithoutMappingIsQueued(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)

	res := h.apply(t, sync.Event{
		Type:       sync.EventPhotoAttached,
		UpstreamID: "u9",
		TerminalID: gate,
		Photo:      &sync.PhotoPayload{Image: jpeg(1), Urgent: true},
	})
	assert.Equal(t, sync.OutcomeQueued, res.Outcome)

	pending, err := h.store.Photos().ListByTerminal(context.Background(), gate)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestApply_PhotosNotWired(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Terminals().Upsert(context.Background(), &terminal.Terminal{ID: gate, Address: "10.0.0.1"}))
	fake := gatewaytest.New()
	gw := gateway.NewService(fake, session.NewService(fake, logger.Discard()), logger.Discard())
	engine := sync.NewService(store.Terminals(), mapping.NewService(store.Mappings(), logger.Discard()), gw,
		store.Directory(), store.Runs(), lock.NewMemory(), nil, logger.Discard())

	_, err := engine.Apply(context.Background(), sync.Event{
		Type:       sync.EventPhotoAttached,
		UpstreamID: "u1",
		Photo:      &sync.PhotoPayload{Image: jpeg(1)},
	})
	assert.ErrorIs(t, err, sync.ErrPhotosNotWired)
}

type MockLocker struct {
	mock.Mock
}

func (m *MockLocker) Lock(ctx context.Context, key string) (func(), error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(func()), args.Error(1)
}

func TestApply_LockFailure(t *testing.T) {
	locker := new(MockLocker)
	locker.On("Lock", mock.Anything, gate+"/u1").Return(nil, errors.New("redis: connection refused"))
	h := newHarness(t, sync.DefaultConfig(), locker)

	res := h.apply(t, created("u1", "1001", "Ana", 1))
	assert.Equal(t, sync.OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Error, "connection refused")
	assert.Equal(t, 0, h.fake.Calls("create_objects"))
	locker.AssertExpectations(t)
}

func put(t *testing.T, h *harness, upstreamID, registration, name string, seq int64) {
	t.Helper()
	_, err := h.store.Directory().Put(context.Background(), &sync.DirectoryEntry{
		Identity: sync.Identity{UpstreamID: upstreamID, Registration: registration, Name: name},
		Sequence: seq,
	})
	require.NoError(t, err)
}

func TestReconcile_FullPass(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx := context.Background()

	put(t, h, "u1", "1001", "Ana", 1)
	put(t, h, "u2", "1002", "Bia", 1)
	put(t, h, "u3", "1003", "Carla", 1)
	adopted := h.fake.Seed(terminal.Values{"registration": "1003", "name": "Carla"})
	h.fake.Seed(terminal.Values{"registration": "9999", "name": "stranger"})

	run, err := h.engine.Reconcile(ctx, gate, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, sync.RunCompleted, run.Status)
	assert.Equal(t, 3, run.Created)
	assert.Equal(t, 1, run.Deleted)
	assert.Equal(t, 0, run.Failed)
	assert.Equal(t, 2, h.fake.Calls("create_objects"))
	assert.Len(t, h.fake.Users(), 3)
	assert.Equal(t, adopted, h.mapping(t, "u3").DeviceUserID)

	tm, err := h.store.Terminals().Get(ctx, gate)
	require.NoError(t, err)
	assert.False(t, tm.LastFullSync.IsZero())

	again, err := h.engine.Reconcile(ctx, gate, sync.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, 0, again.Created+again.Updated+again.Deleted)
	assert.Equal(t, 2, h.fake.Calls("create_objects"))

	runs, err := h.engine.Runs(ctx, gate, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, sync.TriggerSchedule, runs[0].Trigger)
	assert.NotEmpty(t, runs[0].ID)
}

func TestReconcile_PrunesUnmanagedByDefault(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.fake.Seed(terminal.Values{"registration": "9999", "name": "stranger"})
	h.apply(t, created("u1", "1001", "Ana", 1))

	run, err := h.engine.Reconcile(context.Background(), gate, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Deleted)
	require.Len(t, h.fake.Users(), 1)
	_, ok := h.fake.User(h.mapping(t, "u1").DeviceUserID)
	assert.True(t, ok)
}

func TestReconcile_KeepsUnmanagedWhenPruneDisabled(t *testing.T) {
	cfg := sync.DefaultConfig()
	cfg.PruneUnmanaged = false
	h := newHarness(t, cfg, nil)
	h.fake.Seed(terminal.Values{"registration": "9999", "name": "stranger"})

	run, err := h.engine.Reconcile(context.Background(), gate, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Deleted)
	assert.Len(t, h.fake.Users(), 1)
}

// staleDirectory отдает список, снятый до изменения, которое приходит во время прохода
type staleDirectory struct {
	sync.DirectoryRepository
	afterList func()
}

func (d *staleDirectory) List(ctx context.Context) ([]sync.DirectoryEntry, error) {
	list, err := d.DirectoryRepository.List(ctx)
	if d.afterList != nil {
		d.afterList()
		d.afterList = nil
	}
	return list, err
}

func TestReconcile_StaleSnapshotDoesNotRecreateDeleted(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.apply(t, created("u1", "1001", "Ana", 1))

	dir := &staleDirectory{DirectoryRepository: h.store.Directory()}
	h.withDirectory(dir)
	dir.afterList = func() {
		res := h.apply(t, deleted("u1", 2))
		assert.Equal(t, sync.OutcomeDeleted, res.Outcome)
	}

	run, err := h.engine.Reconcile(context.Background(), gate, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Created)
	assert.Equal(t, 1, h.fake.Calls("create_objects"))
	assert.Empty(t, h.fake.Users())

	m := h.mapping(t, "u1")
	assert.Equal(t, mapping.StateDeleted, m.State)
	assert.Equal(t, int64(2), m.Sequence)
}

func TestReconcile_OlderEntryThanMappingIsSkipped(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx := context.Background()
	res := h.apply(t, created("u1", "1001", "Ana", 5))

	dir := &staleDirectory{DirectoryRepository: memory.New().Directory()}
	_, err := dir.Put(ctx, &sync.DirectoryEntry{
		Identity: sync.Identity{UpstreamID: "u1", Registration: "1001", Name: "Old Ana"},
		Sequence: 3,
	})
	require.NoError(t, err)
	h.withDirectory(dir)

	run, err := h.engine.Reconcile(ctx, gate, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Skipped)
	assert.Equal(t, 0, h.fake.Calls("modify_objects"))

	u, ok := h.fake.User(res.DeviceUserID)
	require.True(t, ok)
	assert.Equal(t, "Ana", u.String("name"))
}

func TestReconcile_RepairsDrift(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx := context.Background()
	first := h.apply(t, created("u1", "1001", "Ana", 1))
	h.apply(t, created("u2", "1002", "Bia", 1))
	h.fake.Remove(first.DeviceUserID)

	run, err := h.engine.Reconcile(ctx, gate, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Created)
	assert.Equal(t, 1, run.Skipped)

	m := h.mapping(t, "u1")
	assert.Equal(t, mapping.StateCreated, m.State)
	assert.NotEqual(t, first.DeviceUserID, m.DeviceUserID)
	_, ok := h.fake.User(m.DeviceUserID)
	assert.True(t, ok)
}

func TestReconcile_DeletesIdentityGoneUpstream(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx := context.Background()
	id := h.fake.Seed(terminal.Values{"registration": "7777", "name": "Ghost"})
	_, err := h.mappings.Upsert(ctx, &mapping.Mapping{
		UpstreamID:   "ghost",
		TerminalID:   gate,
		DeviceUserID: id,
		NaturalKey:   "7777",
		State:        mapping.StateCreated,
	})
	require.NoError(t, err)

	run, err := h.engine.Reconcile(ctx, gate, sync.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Deleted)
	assert.Equal(t, mapping.StateDeleted, h.mapping(t, "ghost").State)
	assert.Empty(t, h.fake.Users())
}

func TestReconcile_ClearsMissingPhotoFingerprint(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx := context.Background()
	h.apply(t, created("u1", "1001", "Ana", 1))
	require.NoError(t, h.mappings.SetPhotoFingerprint(ctx, "u1", gate, "abc"))

	_, err := h.engine.Reconcile(ctx, gate, sync.TriggerManual)
	require.NoError(t, err)
	assert.Empty(t, h.mapping(t, "u1").PhotoFingerprint)
}

func TestReconcile_DeletesOrphanedPhotos(t *testing.T) {
	cfg := sync.DefaultConfig()
	cfg.DeleteOrphanPhotos = true
	h := newHarness(t, cfg, nil)
	h.fake.SeedPhoto(999, jpeg(1))

	_, err := h.engine.Reconcile(context.Background(), gate, sync.TriggerManual)
	require.NoError(t, err)
	_, ok := h.fake.Photo(999)
	assert.False(t, ok)
}

func TestReconcile_AbortsWhenTerminalUnreachable(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	h.fake.Fail("load_objects", terminal.Transient("load_objects", errors.New("no route to host")))

	run, err := h.engine.Reconcile(context.Background(), gate, sync.TriggerSchedule)
	require.Error(t, err)
	assert.Equal(t, terminal.KindTransient, terminal.KindOf(err))
	assert.Equal(t, sync.RunAborted, run.Status)
	assert.Contains(t, run.Error, "no route to host")

	tm, err := h.store.Terminals().Get(context.Background(), gate)
	require.NoError(t, err)
	assert.True(t, tm.LastFullSync.IsZero())

	runs, err := h.engine.Runs(context.Background(), gate, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestReconcile_AbortsOnTransientIdentityFailure(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	put(t, h, "u1", "1001", "Ana", 1)
	h.fake.Fail("create_objects", terminal.Transient("create_objects", errors.New("timeout")))

	run, err := h.engine.Reconcile(context.Background(), gate, sync.TriggerManual)
	require.Error(t, err)
	assert.Equal(t, sync.RunAborted, run.Status)
	assert.Equal(t, 1, run.Failed)
}

func TestReconcile_Cancelled(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.engine.Reconcile(ctx, gate, sync.TriggerManual)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, run)
	assert.Equal(t, sync.RunCancelled, run.Status)

	runs, err := h.engine.Runs(context.Background(), gate, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

// gateLocker держит первую блокировку, пока тест не отпустит ее
type gateLocker struct {
	once    gosync.Once
	entered chan struct{}
	release chan struct{}
}

func (l *gateLocker) Lock(ctx context.Context, _ string) (func(), error) {
	l.once.Do(func() { close(l.entered) })
	select {
	case <-l.release:
		return func() {}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestReconcile_SinglePassPerTerminal(t *testing.T) {
	locker := &gateLocker{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, sync.DefaultConfig(), locker)
	put(t, h, "u1", "1001", "Ana", 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Reconcile(context.Background(), gate, sync.TriggerSchedule)
		done <- err
	}()

	select {
	case <-locker.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not start")
	}

	_, err := h.engine.Reconcile(context.Background(), gate, sync.TriggerManual)
	assert.ErrorIs(t, err, sync.ErrPassInProgress)

	close(locker.release)
	require.NoError(t, <-done)
}

func TestReconcileAll(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	require.NoError(t, h.store.Terminals().Upsert(context.Background(), &terminal.Terminal{ID: "gate-2", Address: "10.0.0.2"}))

	runs, err := h.engine.ReconcileAll(context.Background(), sync.TriggerSchedule)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, gate, runs[0].TerminalID)
	assert.Equal(t, "gate-2", runs[1].TerminalID)
}

func TestNoDuplicateDeviceIDs(t *testing.T) {
	h := newHarness(t, sync.DefaultConfig(), nil)
	ctx := context.Background()
	for i, reg := range []string{"1001", "1002", "1003", "1004"} {
		h.apply(t, created("u"+reg, reg, "user", int64(i+1)))
	}
	_, err := h.engine.Reconcile(ctx, gate, sync.TriggerManual)
	require.NoError(t, err)

	list, err := h.mappings.ListByTerminal(ctx, gate)
	require.NoError(t, err)
	seen := map[int64]string{}
	for _, m := range list {
		if m.State != mapping.StateCreated {
			continue
		}
		other, dup := seen[m.DeviceUserID]
		assert.False(t, dup, "device id %d shared by %s and %s", m.DeviceUserID, m.UpstreamID, other)
		seen[m.DeviceUserID] = m.UpstreamID
	}
	assert.Len(t, seen, 4)
}

func TestIdentityDigest(t *testing.T) {
	a := sync.Identity{Registration: "1", Name: "Ana", GroupIDs: []int64{2, 1}}
	b := sync.Identity{Registration: "1", Name: "Ana", GroupIDs: []int64{1, 2}}
	c := sync.Identity{Registration: "1", Name: "Ana Souza"}

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
	assert.Equal(t, []int64{2, 1}, a.GroupIDs)
}
