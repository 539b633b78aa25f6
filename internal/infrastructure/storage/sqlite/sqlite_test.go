package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
	"controlsync/internal/infrastructure/crypto"
	"controlsync/internal/infrastructure/storage/sqlstore"
	"controlsync/internal/utils/logger"
)

const migrationsDir = "../../../../migrations"

func open(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "controlsync.db"), migrationsDir, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Terminals().Upsert(context.Background(), &terminal.Terminal{
		ID: "gate-1", Address: "http://10.0.0.5", Mode: terminal.ModeStandalone, MaxConcurrency: 2,
	}))
	return s
}

func created(deviceID int64) mapping.UpdateFunc {
	return func(*mapping.Mapping) (*mapping.Mapping, error) {
		return &mapping.Mapping{DeviceUserID: deviceID, State: mapping.StateCreated, NaturalKey: "R"}, nil
	}
}

func TestTerminals_KeepLastFullSyncOnUpsert(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Terminals().UpdateLastFullSync(ctx, "gate-1", at))
	require.NoError(t, s.Terminals().Upsert(ctx, &terminal.Terminal{
		ID: "gate-1", Address: "http://10.0.0.6", Mode: terminal.ModeOnline, MaxConcurrency: 4,
	}))

	got, err := s.Terminals().Get(ctx, "gate-1")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.6", got.Address)
	assert.True(t, at.Equal(got.LastFullSync))

	list, err := s.Terminals().List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestTerminals_PasswordSealedAtRest(t *testing.T) {
	sealer, err := crypto.NewSealer("storage key")
	require.NoError(t, err)

	s, err := New(filepath.Join(t.TempDir(), "sealed.db"), migrationsDir, logger.Discard(), sqlstore.WithSecrets(sealer))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Terminals().Upsert(ctx, &terminal.Terminal{
		ID: "gate-9", Address: "http://10.0.0.9", Login: "admin", Password: "hunter2", Mode: terminal.ModeStandalone,
	}))

	var raw string
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT password FROM terminals WHERE id = ?`, "gate-9").Scan(&raw))
	assert.True(t, crypto.Sealed(raw))
	assert.NotContains(t, raw, "hunter2")

	got, err := s.Terminals().Get(ctx, "gate-9")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.Password)
}

func TestMappings_UniqueDeviceIDPerTerminal(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	_, err := s.Mappings().Update(ctx, "u1", "gate-1", created(42))
	require.NoError(t, err)

	_, err = s.Mappings().Update(ctx, "u2", "gate-1", created(42))
	assert.ErrorIs(t, err, mapping.ErrDuplicateDeviceID)

	// удаленная строка больше не держит идентификатор
	_, err = s.Mappings().Update(ctx, "u1", "gate-1", func(cur *mapping.Mapping) (*mapping.Mapping, error) {
		next := *cur
		next.State = mapping.StateDeleted
		return &next, nil
	})
	require.NoError(t, err)
	_, err = s.Mappings().Update(ctx, "u2", "gate-1", created(42))
	require.NoError(t, err)

	m, err := s.Mappings().FindByDeviceID(ctx, "gate-1", 42)
	require.NoError(t, err)
	assert.Equal(t, "u2", m.UpstreamID)

	byKey, err := s.Mappings().FindByNaturalKey(ctx, "gate-1", "R")
	require.NoError(t, err)
	assert.Len(t, byKey, 2)
}

func TestMappings_UpdateSeesCurrentRow(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	_, err := s.Mappings().Update(ctx, "u1", "gate-1", created(7))
	require.NoError(t, err)

	_, err = s.Mappings().Update(ctx, "u1", "gate-1", func(cur *mapping.Mapping) (*mapping.Mapping, error) {
		require.NotNil(t, cur)
		next := *cur
		next.Sequence = 10
		next.LastError = "capacity"
		return &next, nil
	})
	require.NoError(t, err)

	got, err := s.Mappings().Get(ctx, "u1", "gate-1")
	require.NoError(t, err)
	assert.EqualValues(t, 10, got.Sequence)
	assert.Equal(t, "capacity", got.LastError)
	assert.EqualValues(t, 7, got.DeviceUserID)

	_, err = s.Mappings().Get(ctx, "u9", "gate-1")
	assert.ErrorIs(t, err, mapping.ErrNotFound)
}

func TestDirectory_OnlyNewerSequenceWins(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	entry := &sync.DirectoryEntry{
		Identity: sync.Identity{UpstreamID: "u1", Registration: "R-1", Name: "Ana",
			Attributes: map[string]any{"email": "ana@example.com"}, GroupIDs: []int64{3}},
		Sequence: 5,
	}
	applied, err := s.Directory().Put(ctx, entry)
	require.NoError(t, err)
	assert.True(t, applied)

	stale := *entry
	stale.Name = "Old"
	stale.Sequence = 4
	applied, err = s.Directory().Put(ctx, &stale)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.Directory().Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana", got.Name)
	assert.Equal(t, []int64{3}, got.GroupIDs)
	assert.Equal(t, "ana@example.com", got.Attributes["email"])
}

func TestPhotoQueue_Order(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, s.Photos().Enqueue(ctx, &photo.Pending{
			UpstreamID: id, TerminalID: "gate-1", Image: []byte(id), Fingerprint: id, Match: true,
		}))
	}
	// новая фотография u1 заменяет старую и встает в конец
	require.NoError(t, s.Photos().Enqueue(ctx, &photo.Pending{
		UpstreamID: "u1", TerminalID: "gate-1", Image: []byte("u1-v2"), Fingerprint: "u1-v2",
	}))

	items, err := s.Photos().ListByTerminal(ctx, "gate-1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"u2", "u3", "u1"}, []string{items[0].UpstreamID, items[1].UpstreamID, items[2].UpstreamID})
	assert.Equal(t, []byte("u1-v2"), items[2].Image)

	require.NoError(t, s.Photos().Requeue(ctx, items[0].ID, 1))
	require.NoError(t, s.Photos().Remove(ctx, items[1].ID))

	items, err = s.Photos().ListByTerminal(ctx, "gate-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "u1", items[0].UpstreamID)
	assert.Equal(t, "u2", items[1].UpstreamID)
	assert.Equal(t, 1, items[1].Attempts)
}

func TestRuns_NewestFirst(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Runs().Append(ctx, &sync.Run{
			TerminalID: "gate-1", Trigger: sync.TriggerSchedule, Status: sync.RunCompleted,
			StartedAt: base.Add(time.Duration(i) * time.Minute), FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
			Created: i,
		}))
	}

	runs, err := s.Runs().ListByTerminal(ctx, "gate-1", 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 2, runs[0].Created)
	assert.Equal(t, 1, runs[1].Created)
}
