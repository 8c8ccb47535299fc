package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mnemo/internal/types"
)

// BeginJob records the start of a consolidation run. Only one running job of
// a given type may exist per tenant; a second start is a conflict, which is
// how overlapping scheduler ticks exclude each other.
func (t *TenantStore) BeginJob(ctx context.Context, job *types.ConsolidationJob) error {
	const op = "store.BeginJob"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		var running int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM consolidation_jobs
			WHERE tenant_id = ? AND type = ? AND status = ?`,
			t.tenant, string(job.Type), string(types.JobRunning)).Scan(&running)
		if err != nil {
			return err
		}
		if running > 0 {
			return types.Errorf(op, types.KindConflict, "%s job already running", job.Type)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO consolidation_jobs (
				job_id, type, tenant_id, status, items_processed,
				items_affected, started_at, error
			) VALUES (?, ?, ?, ?, 0, 0, ?, '')`,
			job.ID, string(job.Type), t.tenant, string(types.JobRunning), job.StartedAt.UnixNano())
		return err
	})
	if err != nil {
		var te *types.Error
		if errors.As(err, &te) {
			return te
		}
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// UpdateJobProgress checkpoints item counters on a running job.
func (t *TenantStore) UpdateJobProgress(ctx context.Context, jobID string, processed, affected int) error {
	const op = "store.UpdateJobProgress"
	_, err := t.db().ExecContext(ctx, `
		UPDATE consolidation_jobs SET items_processed = ?, items_affected = ?
		WHERE tenant_id = ? AND job_id = ?`,
		processed, affected, t.tenant, jobID)
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// FinishJob closes a job as completed, or failed when errMsg is non-empty.
func (t *TenantStore) FinishJob(ctx context.Context, jobID string, processed, affected int, errMsg string, at time.Time) error {
	const op = "store.FinishJob"
	status := types.JobCompleted
	if errMsg != "" {
		status = types.JobFailed
	}
	_, err := t.db().ExecContext(ctx, `
		UPDATE consolidation_jobs
		SET status = ?, items_processed = ?, items_affected = ?, error = ?, completed_at = ?
		WHERE tenant_id = ? AND job_id = ?`,
		string(status), processed, affected, errMsg, at.UnixNano(), t.tenant, jobID)
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// LastJobCompletion returns when the most recent completed run of a job type
// finished. The zero time means it has never completed.
func (t *TenantStore) LastJobCompletion(ctx context.Context, jobType types.JobType) (time.Time, error) {
	const op = "store.LastJobCompletion"
	var nano sql.NullInt64
	err := t.db().QueryRowContext(ctx, `
		SELECT MAX(completed_at) FROM consolidation_jobs
		WHERE tenant_id = ? AND type = ? AND status = ?`,
		t.tenant, string(jobType), string(types.JobCompleted)).Scan(&nano)
	if err != nil {
		return time.Time{}, types.E(op, types.KindBackend, err)
	}
	if !nano.Valid {
		return time.Time{}, nil
	}
	return fromNano(nano.Int64), nil
}

// ListJobs returns recent consolidation runs, newest first.
func (t *TenantStore) ListJobs(ctx context.Context, limit int) ([]*types.ConsolidationJob, error) {
	const op = "store.ListJobs"
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.db().QueryContext(ctx, `
		SELECT job_id, type, tenant_id, status, items_processed,
		       items_affected, started_at, completed_at, error
		FROM consolidation_jobs WHERE tenant_id = ?
		ORDER BY started_at DESC, job_id DESC LIMIT ?`,
		t.tenant, limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var jobs []*types.ConsolidationJob
	for rows.Next() {
		var (
			j             types.ConsolidationJob
			jobType       string
			status        string
			startNano     int64
			completedNano sql.NullInt64
		)
		err := rows.Scan(&j.ID, &jobType, &j.TenantID, &status, &j.ItemsProcessed,
			&j.ItemsAffected, &startNano, &completedNano, &j.Error)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		j.Type = types.JobType(jobType)
		j.Status = types.JobStatus(status)
		j.StartedAt = fromNano(startNano)
		if completedNano.Valid {
			c := fromNano(completedNano.Int64)
			j.CompletedAt = &c
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// InsertReflection persists a period synthesis record.
func (t *TenantStore) InsertReflection(ctx context.Context, r *types.Reflection) error {
	const op = "store.InsertReflection"
	err := t.s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO reflections (
				reflection_id, tenant_id, period_start, period_end,
				session_count, summary, key_insights, themes,
				identity_evolution, source_handoffs, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, t.tenant, r.PeriodStart.UnixNano(), r.PeriodEnd.UnixNano(),
			r.SessionCount, r.Summary, encodeStrings(r.KeyInsights), encodeStrings(r.Themes),
			r.IdentityEvolution, encodeStrings(r.SourceHandoffs), r.CreatedAt.UnixNano())
		return err
	})
	if err != nil {
		return types.E(op, types.KindBackend, err)
	}
	return nil
}

// ListReflections returns the tenant's reflections, newest first.
func (t *TenantStore) ListReflections(ctx context.Context, limit int) ([]*types.Reflection, error) {
	const op = "store.ListReflections"
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db().QueryContext(ctx, `
		SELECT reflection_id, tenant_id, period_start, period_end, session_count,
		       summary, key_insights, themes, identity_evolution, source_handoffs, created_at
		FROM reflections WHERE tenant_id = ?
		ORDER BY created_at DESC, reflection_id DESC LIMIT ?`,
		t.tenant, limit)
	if err != nil {
		return nil, types.E(op, types.KindBackend, err)
	}
	defer rows.Close()

	var reflections []*types.Reflection
	for rows.Next() {
		var (
			r                          types.Reflection
			startNano, endNano, crNano int64
			insights, themes, sources  string
		)
		err := rows.Scan(&r.ID, &r.TenantID, &startNano, &endNano, &r.SessionCount,
			&r.Summary, &insights, &themes, &r.IdentityEvolution, &sources, &crNano)
		if err != nil {
			return nil, types.E(op, types.KindBackend, err)
		}
		r.PeriodStart = fromNano(startNano)
		r.PeriodEnd = fromNano(endNano)
		r.KeyInsights = decodeStrings(insights)
		r.Themes = decodeStrings(themes)
		r.SourceHandoffs = decodeStrings(sources)
		r.CreatedAt = fromNano(crNano)
		reflections = append(reflections, &r)
	}
	return reflections, rows.Err()
}
