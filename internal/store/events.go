package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mnemo/internal/types"
)

// InsertEventWithChunks atomically persists an event, its derived chunks, and
// the offloaded artifact if one was produced. The event receives the next
// per-session sequence number inside the same transaction, so ordering within
// a session is total even when timestamps collide.
func (t *TenantStore) InsertEventWithChunks(ctx context.Context, ev *types.Event, chunks []*types.Chunk, art *types.Artifact) error {
	const op = "store.InsertEventWithChunks"
	content, err := types.MarshalContent(ev.Content)
	if err != nil {
		return types.E(op, types.KindInvalid, err)
	}

	return t.s.withTx(ctx, func(tx *sql.Tx) error {
		var seq sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM events WHERE tenant_id = ? AND session_id = ?`,
			t.tenant, ev.SessionID).Scan(&seq)
		if err != nil {
			return fmt.Errorf("%s: next seq: %w", op, err)
		}
		ev.Seq = seq.Int64 + 1

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (
				event_id, tenant_id, session_id, project_id,
				subject_type, subject_id, channel, sensitivity, tags,
				actor_type, actor_id, kind, ts, seq, content, refs
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, t.tenant, ev.SessionID, ev.ProjectID,
			ev.SubjectType, ev.SubjectID, string(ev.Channel), string(ev.Sensitivity), encodeStrings(ev.Tags),
			string(ev.Actor.Type), ev.Actor.ID, string(ev.Kind), ev.TS.UnixNano(), ev.Seq,
			string(content), encodeStrings(ev.Refs))
		if err != nil {
			return fmt.Errorf("%s: insert event: %w", op, err)
		}

		for _, c := range chunks {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO chunks (
					chunk_id, event_id, tenant_id, session_id, project_id,
					subject_type, subject_id, kind, text, token_est,
					importance, channel, sensitivity, tags, ts
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.EventID, t.tenant, c.SessionID, c.ProjectID,
				c.SubjectType, c.SubjectID, string(c.Kind), c.Text, c.TokenEst,
				c.Importance, string(c.Channel), string(c.Sensitivity), encodeStrings(c.Tags), c.TS.UnixNano())
			if err != nil {
				return fmt.Errorf("%s: insert chunk: %w", op, err)
			}
		}

		if art != nil {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO artifacts (
					artifact_id, tenant_id, event_id, tool,
					media_type, size_bytes, data, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				art.ID, t.tenant, art.EventID, art.Tool,
				art.MediaType, art.SizeBytes, art.Data, art.CreatedAt.UnixNano())
			if err != nil {
				return fmt.Errorf("%s: insert artifact: %w", op, err)
			}
		}
		return nil
	})
}

const eventColumns = `event_id, tenant_id, session_id, project_id,
	subject_type, subject_id, channel, sensitivity, tags,
	actor_type, actor_id, kind, ts, seq, content, refs`

func scanEvent(row interface{ Scan(...any) error }) (*types.Event, error) {
	var (
		ev              types.Event
		tags, refs, raw string
		tsNano          int64
		channel, sens   string
		actorType, kind string
	)
	err := row.Scan(
		&ev.ID, &ev.TenantID, &ev.SessionID, &ev.ProjectID,
		&ev.SubjectType, &ev.SubjectID, &channel, &sens, &tags,
		&actorType, &ev.Actor.ID, &kind, &tsNano, &ev.Seq, &raw, &refs)
	if err != nil {
		return nil, err
	}
	ev.Channel = types.Channel(channel)
	ev.Sensitivity = types.Sensitivity(sens)
	ev.Actor.Type = types.ActorType(actorType)
	ev.Kind = types.EventKind(kind)
	ev.TS = fromNano(tsNano)
	ev.Tags = decodeStrings(tags)
	ev.Refs = decodeStrings(refs)
	content, err := types.UnmarshalContent(ev.Kind, []byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode event content: %w", err)
	}
	ev.Content = content
	return &ev, nil
}

// GetEvent returns one event by id.
func (t *TenantStore) GetEvent(ctx context.Context, eventID string) (*types.Event, error) {
	const op = "store.GetEvent"
	row := t.db().QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE tenant_id = ? AND event_id = ?`,
		t.tenant, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(op, types.KindNotFound, "event %s not found", eventID)
	}
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	return ev, nil
}

// ListSessionEvents returns the most recent events in a session, newest first.
// Ordering is ts desc then seq desc, so same-timestamp events keep insert
// order.
func (t *TenantStore) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]*types.Event, error) {
	const op = "store.ListSessionEvents"
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db().QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id = ? AND session_id = ?
		 ORDER BY ts DESC, seq DESC LIMIT ?`,
		t.tenant, sessionID, limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestTaskUpdates returns the newest task_update event per task in a
// session, newest first. It powers the task-state section of context
// assembly.
func (t *TenantStore) LatestTaskUpdates(ctx context.Context, sessionID string, limit int) ([]*types.Event, error) {
	const op = "store.LatestTaskUpdates"
	if limit <= 0 {
		limit = 20
	}
	// Scan newest-first and keep the first occurrence of each task.
	rows, err := t.db().QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE tenant_id = ? AND session_id = ? AND kind = ?
		 ORDER BY ts DESC, seq DESC LIMIT 500`,
		t.tenant, sessionID, string(types.KindTaskUpdate))
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var events []*types.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		tu, ok := ev.Content.(types.TaskUpdateContent)
		if !ok || seen[tu.Task] {
			continue
		}
		seen[tu.Task] = true
		events = append(events, ev)
		if len(events) >= limit {
			break
		}
	}
	return events, rows.Err()
}
