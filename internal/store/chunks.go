package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"unicode"

	"mnemo/internal/types"
)

// ChunkQuery narrows a chunk search. AllowedSensitivities must be non-empty;
// the caller derives it from the read channel. Zero-valued filters are
// ignored.
type ChunkQuery struct {
	Query                string
	AllowedSensitivities []types.Sensitivity
	SessionID            string
	ProjectID            string
	SubjectType          string
	SubjectID            string
	Kinds                []types.EventKind
	Limit                int
}

// ChunkHit pairs a chunk with its raw full-text rank. Rank is the negated
// bm25 score (higher is better); it is 0 for recency-ordered results from an
// empty query.
type ChunkHit struct {
	Chunk *types.Chunk
	Rank  float64
}

const chunkColumns = `c.chunk_id, c.event_id, c.tenant_id, c.session_id, c.project_id,
	c.subject_type, c.subject_id, c.kind, c.text, c.token_est,
	c.importance, c.channel, c.sensitivity, c.tags, c.ts`

func scanChunk(row interface{ Scan(...any) error }, extra ...any) (*types.Chunk, error) {
	var (
		c             types.Chunk
		tags          string
		tsNano        int64
		kind          string
		channel, sens string
	)
	dest := []any{
		&c.ID, &c.EventID, &c.TenantID, &c.SessionID, &c.ProjectID,
		&c.SubjectType, &c.SubjectID, &kind, &c.Text, &c.TokenEst,
		&c.Importance, &channel, &sens, &tags, &tsNano,
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	c.Kind = types.EventKind(kind)
	c.Channel = types.Channel(channel)
	c.Sensitivity = types.Sensitivity(sens)
	c.Tags = decodeStrings(tags)
	c.TS = fromNano(tsNano)
	return &c, nil
}

// ftsQuery rewrites free text into a safe MATCH expression: each term is
// double-quoted to neutralize FTS5 operators, terms joined with OR. An empty
// result means no searchable terms.
func ftsQuery(raw string) string {
	terms := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+strings.ReplaceAll(t, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// SearchChunks runs a full-text candidate search under the given filters.
// When the query has no searchable terms it falls back to recency order over
// the same filters. Results come back ordered best-first; rank ties and the
// recency fallback order by ts desc then chunk_id desc.
func (t *TenantStore) SearchChunks(ctx context.Context, q ChunkQuery) ([]ChunkHit, error) {
	const op = "store.SearchChunks"
	if q.Limit <= 0 {
		q.Limit = 100
	}

	var (
		where []string
		args  []any
	)
	where = append(where, "c.tenant_id = ?")
	args = append(args, t.tenant)

	if len(q.AllowedSensitivities) == 0 {
		return nil, types.Errorf(op, types.KindInvalid, "no allowed sensitivities")
	}
	ph := make([]string, len(q.AllowedSensitivities))
	for i, s := range q.AllowedSensitivities {
		ph[i] = "?"
		args = append(args, string(s))
	}
	where = append(where, "c.sensitivity IN ("+strings.Join(ph, ", ")+")")

	if q.SessionID != "" {
		where = append(where, "c.session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.ProjectID != "" {
		where = append(where, "c.project_id = ?")
		args = append(args, q.ProjectID)
	}
	if q.SubjectType != "" {
		where = append(where, "c.subject_type = ?")
		args = append(args, q.SubjectType)
	}
	if q.SubjectID != "" {
		where = append(where, "c.subject_id = ?")
		args = append(args, q.SubjectID)
	}
	if len(q.Kinds) > 0 {
		kp := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kp[i] = "?"
			args = append(args, string(k))
		}
		where = append(where, "c.kind IN ("+strings.Join(kp, ", ")+")")
	}

	match := ftsQuery(q.Query)
	var query string
	if match == "" {
		query = `SELECT ` + chunkColumns + `, 0.0 AS rank FROM chunks c
			WHERE ` + strings.Join(where, " AND ") + `
			ORDER BY c.ts DESC, c.chunk_id DESC LIMIT ?`
		args = append(args, q.Limit)
	} else {
		// bm25 returns lower-is-better; negate so higher is better.
		query = `SELECT ` + chunkColumns + `, -bm25(chunks_fts) AS rank
			FROM chunks_fts
			JOIN chunks c ON c.rowid = chunks_fts.rowid
			WHERE chunks_fts MATCH ? AND ` + strings.Join(where, " AND ") + `
			ORDER BY rank DESC, c.ts DESC, c.chunk_id DESC LIMIT ?`
		args = append([]any{match}, args...)
		args = append(args, q.Limit)
	}

	rows, err := t.db().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var hits []ChunkHit
	for rows.Next() {
		var rank float64
		c, err := scanChunk(rows, &rank)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		hits = append(hits, ChunkHit{Chunk: c, Rank: rank})
	}
	return hits, rows.Err()
}

// GetChunk returns one chunk by id.
func (t *TenantStore) GetChunk(ctx context.Context, chunkID string) (*types.Chunk, error) {
	const op = "store.GetChunk"
	row := t.db().QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks c WHERE c.tenant_id = ? AND c.chunk_id = ?`,
		t.tenant, chunkID)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.Errorf(op, types.KindNotFound, "chunk %s not found", chunkID)
	}
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	return c, nil
}

// ListChunksByIDs returns the named chunks that exist in this tenant. Missing
// ids are silently skipped; the caller decides whether absence matters.
func (t *TenantStore) ListChunksByIDs(ctx context.Context, ids []string) ([]*types.Chunk, error) {
	const op = "store.ListChunksByIDs"
	if len(ids) == 0 {
		return nil, nil
	}
	ph := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, t.tenant)
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	rows, err := t.db().QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks c
		 WHERE c.tenant_id = ? AND c.chunk_id IN (`+strings.Join(ph, ", ")+`)
		 ORDER BY c.ts DESC, c.chunk_id DESC`,
		args...)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var chunks []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListSessionChunks returns the newest chunks in a session under a
// sensitivity filter, newest first.
func (t *TenantStore) ListSessionChunks(ctx context.Context, sessionID string, allowed []types.Sensitivity, limit int) ([]*types.Chunk, error) {
	const op = "store.ListSessionChunks"
	if limit <= 0 {
		limit = 50
	}
	if len(allowed) == 0 {
		return nil, types.Errorf(op, types.KindInvalid, "no allowed sensitivities")
	}
	ph := make([]string, len(allowed))
	args := []any{t.tenant, sessionID}
	for i, s := range allowed {
		ph[i] = "?"
		args = append(args, string(s))
	}
	args = append(args, limit)
	rows, err := t.db().QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks c
		 WHERE c.tenant_id = ? AND c.session_id = ?
		   AND c.sensitivity IN (`+strings.Join(ph, ", ")+`)
		 ORDER BY c.ts DESC, c.chunk_id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var chunks []*types.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
