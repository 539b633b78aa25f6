package sync

import (
	"context"
	"errors"
	"fmt"

	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/terminal"
	"controlsync/internal/utils/logger"
)

// observation снимок пользователей терминала, загруженный полным проходом
type observation struct {
	byID           map[int64]terminal.Values
	byRegistration map[string][]terminal.Values
}

func observe(rows []terminal.Values) *observation {
	obs := &observation{
		byID:           make(map[int64]terminal.Values, len(rows)),
		byRegistration: make(map[string][]terminal.Values),
	}
	for _, row := range rows {
		id, ok := row.Int64("id")
		if !ok {
			continue
		}
		obs.byID[id] = row
		if reg := row.String("registration"); reg != "" {
			obs.byRegistration[reg] = append(obs.byRegistration[reg], row)
		}
	}
	return obs
}

func lockKey(terminalID, upstreamID string) string {
	return terminalID + "/" + upstreamID
}

func values(e *DirectoryEntry) terminal.Values {
	return terminal.Values(e.Identity.Values())
}

// agrees строка терминала совпадает с желаемыми полями идентичности
func agrees(row terminal.Values, e *DirectoryEntry) bool {
	return row.String("registration") == e.Registration && row.String("name") == e.Name
}

// syncLocked обрабатывает одну идентичность под блокировкой пары (терминал, идентичность).
// Ошибка возвращается вместе с заполненным Result и уже записана в сопоставление.
func (s *Service) syncLocked(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, obs *observation) (Result, error) {
	res := Result{TerminalID: t.ID, UpstreamID: entry.UpstreamID}

	unlock, err := s.locker.Lock(ctx, lockKey(t.ID, entry.UpstreamID))
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res, fmt.Errorf("failed to lock identity: %w", err)
	}
	defer unlock()

	entry, err = s.latest(ctx, entry)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res, err
	}
	res, err = s.syncIdentity(ctx, t, entry, obs)

	log := s.log.With("terminal", t.ID, "upstream_id", entry.UpstreamID, "outcome", res.Outcome)
	switch {
	case err != nil:
		log.Warn("identity sync failed", "kind", terminal.KindOf(err).String(), logger.Err(err))
	case res.Outcome == OutcomeSkipped:
		log.Debug("identity in sync")
	default:
		log.Info("identity synced", "device_user_id", res.DeviceUserID)
	}
	return res, err
}

// latest перечитывает запись каталога под блокировкой. Снимок прохода мог устареть,
// пока проход ждал блокировку или обрабатывал другие идентичности.
func (s *Service) latest(ctx context.Context, entry *DirectoryEntry) (*DirectoryEntry, error) {
	cur, err := s.directory.Get(ctx, entry.UpstreamID)
	switch {
	case errors.Is(err, ErrEntryNotFound):
		return entry, nil
	case err != nil:
		return nil, fmt.Errorf("failed to get directory entry: %w", err)
	case cur.Sequence > entry.Sequence:
		return cur, nil
	}
	return entry, nil
}

func (s *Service) syncIdentity(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, obs *observation) (Result, error) {
	res := Result{TerminalID: t.ID, UpstreamID: entry.UpstreamID, Outcome: OutcomeSkipped}

	m, err := s.mappings.Get(ctx, entry.UpstreamID, t.ID)
	switch {
	case errors.Is(err, mapping.ErrNotFound):
		m = nil
	case err != nil:
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res, err
	default:
		res.DeviceUserID = m.DeviceUserID
	}

	// сопоставление уже отражает более новое изменение
	if m != nil && entry.Sequence < m.Sequence {
		return res, nil
	}
	if entry.Deleted {
		return s.remove(ctx, t, entry, m, res)
	}
	return s.ensure(ctx, t, entry, m, obs, res)
}

// ensure приводит терминал к состоянию "пользователь есть и совпадает с upstream"
func (s *Service) ensure(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, m *mapping.Mapping, obs *observation, res Result) (Result, error) {
	digest := entry.Identity.Digest()

	if m.Blocked(digest) {
		res.Error = m.LastError
		return res, nil
	}
	if obs == nil && m != nil && m.State == mapping.StateCreated && entry.Sequence <= m.Sequence {
		return res, nil
	}

	if !m.Live() || !m.HasDevice() {
		return s.provision(ctx, t, entry, m, obs, digest, res)
	}

	if obs != nil {
		row, ok := obs.byID[m.DeviceUserID]
		if !ok {
			s.log.Warn("mapped user missing on terminal, provisioning again",
				"terminal", t.ID,
				"upstream_id", entry.UpstreamID,
				"device_user_id", m.DeviceUserID,
			)
			return s.provision(ctx, t, entry, m, nil, digest, res)
		}
		if m.State == mapping.StateCreated && m.Digest == digest && agrees(row, entry) {
			return s.settle(ctx, t, entry, m, res)
		}
	} else if m.State == mapping.StateCreated && m.Digest == digest {
		return s.settle(ctx, t, entry, m, res)
	}

	return s.modify(ctx, t, entry, m, digest, res)
}

// settle поднимает Sequence строки, которая уже совпадает с upstream
func (s *Service) settle(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, m *mapping.Mapping, res Result) (Result, error) {
	if m.Sequence >= entry.Sequence {
		return res, nil
	}
	_, err := s.mappings.Mutate(ctx, entry.UpstreamID, t.ID, func(cur *mapping.Mapping) error {
		if entry.Sequence > cur.Sequence {
			cur.Sequence = entry.Sequence
		}
		return nil
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Error = err.Error()
		return res, err
	}
	return res, nil
}

// provision находит пользователя по натуральному ключу или создает его
func (s *Service) provision(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, m *mapping.Mapping, obs *observation, digest string, res Result) (Result, error) {
	id, row, err := s.adopt(ctx, t, entry, obs)
	if err != nil {
		return s.fail(ctx, t, entry, digest, err, res)
	}

	outcome := OutcomeAdopted
	if id == 0 {
		if err := s.begin(ctx, t, entry); err != nil {
			return s.fail(ctx, t, entry, digest, err, res)
		}

		ids, err := s.gateway.CreateEntities(ctx, t, terminal.ObjectUsers, []terminal.Values{values(entry)})
		switch {
		case err == nil:
			id, row, outcome = ids[0], values(entry), OutcomeCreated
		case terminal.ReasonOf(err) == terminal.ReasonDuplicateKey:
			s.log.Info("registration already on terminal, adopting", "terminal", t.ID, "upstream_id", entry.UpstreamID)
			id, row, err = s.adopt(ctx, t, entry, nil)
			if err == nil && id == 0 {
				err = terminal.Rejected("create_objects", terminal.ReasonDuplicateKey,
					fmt.Sprintf("registration %s reported duplicate but not found", entry.Registration))
			}
			if err != nil {
				return s.fail(ctx, t, entry, digest, err, res)
			}
		default:
			return s.fail(ctx, t, entry, digest, err, res)
		}
	}

	if outcome == OutcomeAdopted && !agrees(row, entry) {
		if _, err := s.gateway.ModifyEntities(ctx, t, terminal.ObjectUsers, values(entry), terminal.Values{"id": id}); err != nil {
			if _, cerr := s.commit(ctx, t, entry, id, ""); cerr != nil {
				return s.fail(ctx, t, entry, digest, cerr, res)
			}
			return s.fail(ctx, t, entry, digest, err, res)
		}
	}

	saved, err := s.commit(ctx, t, entry, id, digest)
	if err != nil {
		return s.fail(ctx, t, entry, digest, err, res)
	}
	res.Outcome = outcome
	res.DeviceUserID = saved.DeviceUserID
	return s.link(ctx, t, entry, saved, res)
}

// adopt ищет пользователя терминала по registration. Возвращает 0, если совпадений нет.
func (s *Service) adopt(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, obs *observation) (int64, terminal.Values, error) {
	var rows []terminal.Values
	if obs != nil {
		rows = obs.byRegistration[entry.Registration]
	} else {
		var err error
		rows, err = s.gateway.LoadEntities(ctx, t, terminal.LoadRequest{
			Object: terminal.ObjectUsers,
			Where:  terminal.Values{"registration": entry.Registration},
		})
		if err != nil {
			return 0, nil, err
		}
	}

	switch len(rows) {
	case 0:
		return 0, nil, nil
	case 1:
	default:
		return 0, nil, terminal.Rejected("adopt", terminal.ReasonAmbiguous,
			fmt.Sprintf("%d terminal users share registration %s", len(rows), entry.Registration))
	}

	id, ok := rows[0].Int64("id")
	if !ok || id <= 0 {
		return 0, nil, terminal.Fatal("adopt", fmt.Errorf("terminal user without id for registration %s", entry.Registration))
	}

	owner, err := s.mappings.FindByDeviceID(ctx, t.ID, id)
	switch {
	case errors.Is(err, mapping.ErrNotFound):
	case err != nil:
		return 0, nil, err
	case owner.UpstreamID != entry.UpstreamID && owner.Live():
		return 0, nil, terminal.Rejected("adopt", terminal.ReasonAmbiguous,
			fmt.Sprintf("device user %d is already mapped to %s", id, owner.UpstreamID))
	}
	return id, rows[0], nil
}

// begin фиксирует намерение создать пользователя до вызова терминала
func (s *Service) begin(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry) error {
	_, err := s.mappings.Mutate(ctx, entry.UpstreamID, t.ID, func(cur *mapping.Mapping) error {
		cur.NaturalKey = entry.Registration
		switch cur.State {
		case mapping.StatePendingCreate:
		case mapping.StateCreated, mapping.StatePendingUpdate, mapping.StatePendingDelete:
			cur.State = mapping.StatePendingUpdate
		default:
			cur.State = mapping.StatePendingCreate
			cur.DeviceUserID = 0
			cur.Digest = ""
			cur.PhotoFingerprint = ""
		}
		return nil
	})
	return err
}

// commit записывает подтвержденного терминалом пользователя
func (s *Service) commit(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, id int64, digest string) (*mapping.Mapping, error) {
	return s.mappings.Mutate(ctx, entry.UpstreamID, t.ID, func(cur *mapping.Mapping) error {
		if cur.DeviceUserID != id {
			cur.PhotoFingerprint = ""
		}
		cur.DeviceUserID = id
		cur.NaturalKey = entry.Registration
		cur.State = mapping.StateCreated
		cur.Digest = digest
		cur.LastError = ""
		cur.RejectedDigest = ""
		cur.MissingCount = 0
		if entry.Sequence > cur.Sequence {
			cur.Sequence = entry.Sequence
		}
		return nil
	})
}

// modify переносит изменившиеся поля на терминал по device id
func (s *Service) modify(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, m *mapping.Mapping, digest string, res Result) (Result, error) {
	_, err := s.mappings.Mutate(ctx, entry.UpstreamID, t.ID, func(cur *mapping.Mapping) error {
		cur.State = mapping.StatePendingUpdate
		return nil
	})
	if err != nil {
		return s.fail(ctx, t, entry, digest, err, res)
	}

	n, err := s.gateway.ModifyEntities(ctx, t, terminal.ObjectUsers, values(entry), terminal.Values{"id": m.DeviceUserID})
	if err != nil {
		return s.fail(ctx, t, entry, digest, err, res)
	}
	if n == 0 {
		s.log.Warn("modify touched no users, provisioning again",
			"terminal", t.ID,
			"upstream_id", entry.UpstreamID,
			"device_user_id", m.DeviceUserID,
		)
		return s.provision(ctx, t, entry, m, nil, digest, res)
	}

	saved, err := s.commit(ctx, t, entry, m.DeviceUserID, digest)
	if err != nil {
		return s.fail(ctx, t, entry, digest, err, res)
	}
	res.Outcome = OutcomeUpdated
	res.DeviceUserID = saved.DeviceUserID
	return s.link(ctx, t, entry, saved, res)
}

// link заменяет связи пользователя с группами. Ошибка связей не отменяет исход по пользователю.
func (s *Service) link(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, m *mapping.Mapping, res Result) (Result, error) {
	if len(entry.GroupIDs) == 0 {
		return res, nil
	}

	err := func() error {
		_, err := s.gateway.DestroyEntities(ctx, t, terminal.ObjectUserGroups, terminal.Values{"user_id": m.DeviceUserID})
		if err != nil && terminal.ReasonOf(err) != terminal.ReasonNotFound {
			return err
		}
		rows := make([]terminal.Values, 0, len(entry.GroupIDs))
		for _, gid := range entry.GroupIDs {
			rows = append(rows, terminal.Values{"user_id": m.DeviceUserID, "group_id": gid})
		}
		_, err = s.gateway.CreateEntities(ctx, t, terminal.ObjectUserGroups, rows)
		return err
	}()
	if err == nil {
		return res, nil
	}

	msg := fmt.Sprintf("group links: %v", err)
	if rerr := s.mappings.RecordError(ctx, entry.UpstreamID, t.ID, msg, ""); rerr != nil {
		s.log.Error("failed to record group link error", "upstream_id", entry.UpstreamID, logger.Err(rerr))
	}
	res.Error = msg
	return res, nil
}

// remove удаляет пользователя с терминала. Отсутствующий пользователь считается удаленным
// после DeleteConfirmations подтверждений.
func (s *Service) remove(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, m *mapping.Mapping, res Result) (Result, error) {
	if m == nil || m.State == mapping.StateDeleted {
		if m != nil {
			return s.settle(ctx, t, entry, m, res)
		}
		return res, nil
	}

	if m.HasDevice() {
		_, err := s.mappings.Mutate(ctx, entry.UpstreamID, t.ID, func(cur *mapping.Mapping) error {
			cur.State = mapping.StatePendingDelete
			return nil
		})
		if err != nil {
			return s.fail(ctx, t, entry, "", err, res)
		}

		n, err := s.gateway.DestroyEntities(ctx, t, terminal.ObjectUsers, terminal.Values{"id": m.DeviceUserID})
		switch {
		case err == nil:
		case terminal.ReasonOf(err) == terminal.ReasonNotFound:
			n = 0
		default:
			return s.fail(ctx, t, entry, "", err, res)
		}

		if n == 0 {
			saved, err := s.mappings.Mutate(ctx, entry.UpstreamID, t.ID, func(cur *mapping.Mapping) error {
				cur.MissingCount++
				if cur.MissingCount >= s.config.DeleteConfirmations {
					finalize(cur, entry)
				}
				return nil
			})
			if err != nil {
				return s.fail(ctx, t, entry, "", err, res)
			}
			if saved.State != mapping.StateDeleted {
				res.Error = fmt.Sprintf("user missing on terminal, %d of %d confirmations", saved.MissingCount, s.config.DeleteConfirmations)
				return res, nil
			}
			res.Outcome = OutcomeDeleted
			return res, nil
		}
	} else if err := s.removeUnconfirmed(ctx, t, entry, m); err != nil {
		return s.fail(ctx, t, entry, "", err, res)
	}

	_, err := s.mappings.Mutate(ctx, entry.UpstreamID, t.ID, func(cur *mapping.Mapping) error {
		finalize(cur, entry)
		return nil
	})
	if err != nil {
		return s.fail(ctx, t, entry, "", err, res)
	}
	res.Outcome = OutcomeDeleted
	return res, nil
}

// removeUnconfirmed удаляет пользователя, созданного без подтверждения device id.
// Создание могло дойти до терминала, а ответ потеряться, поэтому пользователь ищется по registration.
func (s *Service) removeUnconfirmed(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, m *mapping.Mapping) error {
	key := *entry
	if m.NaturalKey != "" {
		key.Registration = m.NaturalKey
	}
	if key.Registration == "" {
		return nil
	}

	id, _, err := s.adopt(ctx, t, &key, nil)
	switch {
	case terminal.ReasonOf(err) == terminal.ReasonAmbiguous:
		s.log.Warn("leaving terminal user of unconfirmed identity in place",
			"terminal", t.ID,
			"upstream_id", entry.UpstreamID,
			logger.Err(err),
		)
		return nil
	case err != nil:
		return err
	case id == 0:
		return nil
	}

	_, err = s.gateway.DestroyEntities(ctx, t, terminal.ObjectUsers, terminal.Values{"id": id})
	if err != nil && terminal.ReasonOf(err) != terminal.ReasonNotFound {
		return err
	}
	s.log.Info("removed user of unconfirmed identity", "terminal", t.ID, "upstream_id", entry.UpstreamID, "device_user_id", id)
	return nil
}

func finalize(cur *mapping.Mapping, entry *DirectoryEntry) {
	cur.State = mapping.StateDeleted
	cur.LastError = ""
	cur.RejectedDigest = ""
	cur.Digest = ""
	cur.PhotoFingerprint = ""
	cur.MissingCount = 0
	if entry.Sequence > cur.Sequence {
		cur.Sequence = entry.Sequence
	}
}

// fail записывает ошибку в сопоставление. Отказ терминала блокирует повторы для текущего digest.
func (s *Service) fail(ctx context.Context, t *terminal.Terminal, entry *DirectoryEntry, digest string, cause error, res Result) (Result, error) {
	res.Outcome = OutcomeFailed
	res.Error = cause.Error()
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	rejected := ""
	if terminal.KindOf(cause) == terminal.KindRejected {
		rejected = digest
	}
	_, err := s.mappings.Mutate(ctx, entry.UpstreamID, t.ID, func(cur *mapping.Mapping) error {
		if cur.State == "" {
			cur.State = mapping.StatePendingCreate
			cur.NaturalKey = entry.Registration
		}
		cur.LastError = cause.Error()
		if rejected != "" {
			cur.RejectedDigest = rejected
		}
		return nil
	})
	if err != nil {
		s.log.Error("failed to record identity error", "terminal", t.ID, "upstream_id", entry.UpstreamID, logger.Err(err))
	}
	return res, cause
}
