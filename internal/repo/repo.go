package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

// Repo is the durable store for initiatives, approvals, workstreams and
// accounts. All version-sensitive writes go through the conditional update
// path; there is no unguarded stage-state write.
type Repo struct {
	DB *sql.DB
}

const initiativeColumns = `id,workstream_id,name,COALESCE(description,''),owner_account_id,COALESCE(owner_name,''),COALESCE(current_status,''),active_stage,l4_date,version,stages_json,stage_state_json,created_at,updated_at`

func scanInitiative(scan func(dest ...any) error) (domain.Initiative, error) {
	var in domain.Initiative
	var owner, l4 sql.NullString
	var stagesJSON, stateJSON string
	err := scan(&in.ID, &in.WorkstreamID, &in.Name, &in.Description, &owner, &in.OwnerName,
		&in.CurrentStatus, &in.ActiveStage, &l4, &in.Version, &stagesJSON, &stateJSON,
		&in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return in, err
	}
	if owner.Valid {
		in.OwnerAccountID = &owner.String
	}
	if l4.Valid {
		in.L4Date = &l4.String
	}
	if err := json.Unmarshal([]byte(stagesJSON), &in.Stages); err != nil {
		return in, fmt.Errorf("decode stages: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &in.StageState); err != nil {
		return in, fmt.Errorf("decode stage state: %w", err)
	}
	return in, nil
}

func marshalStageDocs(in domain.Initiative) (string, string, error) {
	stages, err := json.Marshal(in.Stages)
	if err != nil {
		return "", "", fmt.Errorf("encode stages: %w", err)
	}
	state, err := json.Marshal(in.StageState)
	if err != nil {
		return "", "", fmt.Errorf("encode stage state: %w", err)
	}
	return string(stages), string(state), nil
}

// CreateInitiative inserts a new record with version 1.
func (r Repo) CreateInitiative(ctx context.Context, in domain.Initiative) error {
	stages, state, err := marshalStageDocs(in)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO initiatives(id,workstream_id,name,description,owner_account_id,owner_name,current_status,active_stage,l4_date,version,stages_json,stage_state_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,1,?,?,?,?)`,
		in.ID, in.WorkstreamID, in.Name, nullable(in.Description), nullableStringPtr(in.OwnerAccountID),
		nullable(in.OwnerName), nullable(in.CurrentStatus), in.ActiveStage, nullableStringPtr(in.L4Date),
		stages, state, in.CreatedAt, in.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return storageErr("insert initiative", err)
	}
	return nil
}

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id)
	in, err := scanInitiative(row.Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, storageErr("get initiative", err)
	}
	return in, nil
}

func (r Repo) getInitiativeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Initiative, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id)
	in, err := scanInitiative(row.Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, storageErr("get initiative", err)
	}
	return in, nil
}

// UpdateInitiative applies a full-row replace guarded by expectedVersion.
// The single conditional statement bumps version by exactly one; a miss is
// probed afterwards to distinguish NotFound from VersionConflict. The probe
// runs inside the same transaction, so a concurrent delete between the two
// statements still reads as NotFound.
func (r Repo) UpdateInitiative(ctx context.Context, in domain.Initiative, expectedVersion int64) (domain.Initiative, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Initiative{}, storageErr("begin update", err)
	}
	defer tx.Rollback()
	updated, err := r.UpdateInitiativeTx(ctx, tx, in, expectedVersion)
	if err != nil {
		return domain.Initiative{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Initiative{}, storageErr("commit update", err)
	}
	return updated, nil
}

// UpdateInitiativeTx is the version-checked write for callers that compose
// it with other statements (approval batches, audit events) in one
// transaction.
func (r Repo) UpdateInitiativeTx(ctx context.Context, tx *sql.Tx, in domain.Initiative, expectedVersion int64) (domain.Initiative, error) {
	stages, state, err := marshalStageDocs(in)
	if err != nil {
		return domain.Initiative{}, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET workstream_id=?, name=?, description=?, owner_account_id=?, owner_name=?, current_status=?, active_stage=?, l4_date=?, stages_json=?, stage_state_json=?, updated_at=?, version=version+1
WHERE id=? AND version=?`,
		in.WorkstreamID, in.Name, nullable(in.Description), nullableStringPtr(in.OwnerAccountID),
		nullable(in.OwnerName), nullable(in.CurrentStatus), in.ActiveStage, nullableStringPtr(in.L4Date),
		stages, state, in.UpdatedAt, in.ID, expectedVersion)
	if err != nil {
		return domain.Initiative{}, storageErr("update initiative", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Initiative{}, storageErr("update initiative", err)
	}
	if affected == 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM initiatives WHERE id=?`, in.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return domain.Initiative{}, ErrNotFound
		}
		if err != nil {
			return domain.Initiative{}, storageErr("probe initiative", err)
		}
		return domain.Initiative{}, ErrVersionConflict
	}
	return r.getInitiativeTx(ctx, tx, in.ID)
}

// DeleteInitiative hard-deletes the row. Approval rows stay behind as the
// audit trail.
func (r Repo) DeleteInitiative(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM initiatives WHERE id=?`, id)
	if err != nil {
		return false, storageErr("delete initiative", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("delete initiative", err)
	}
	return n > 0, nil
}

type InitiativeFilters struct {
	WorkstreamID string
	Stage        string
	Limit        int
}

func (r Repo) ListInitiatives(ctx context.Context, f InitiativeFilters) ([]domain.Initiative, error) {
	var clauses []string
	var args []any
	if f.WorkstreamID != "" {
		clauses = append(clauses, "workstream_id=?")
		args = append(args, f.WorkstreamID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "active_stage=?")
		args = append(args, f.Stage)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + initiativeColumns + ` FROM initiatives ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list initiatives", err)
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		in, err := scanInitiative(rows.Scan)
		if err != nil {
			return nil, storageErr("list initiatives", err)
		}
		res = append(res, in)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list initiatives", err)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
