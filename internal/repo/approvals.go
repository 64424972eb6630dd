package repo

import (
	"context"
	"database/sql"
	"strings"

	"gateline/internal/domain"
)

const approvalColumns = `id,initiative_id,stage_key,round_index,role,status,COALESCE(comment,''),created_at,decided_at`

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var decided sql.NullString
	err := scan(&a.ID, &a.InitiativeID, &a.Stage, &a.Round, &a.Role, &a.Status, &a.Comment, &a.CreatedAt, &decided)
	if err != nil {
		return a, err
	}
	if decided.Valid {
		a.DecidedAt = &decided.String
	}
	return a, nil
}

// InsertApprovals materializes one round's approval rows as a set: all rows
// become visible together or not at all. Re-submitting the same tuple is a
// no-op on the unique (initiative, stage, round, role) constraint.
func (r Repo) InsertApprovals(ctx context.Context, batch []domain.Approval) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin insert approvals", err)
	}
	defer tx.Rollback()
	if err := r.InsertApprovalsTx(ctx, tx, batch); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit insert approvals", err)
	}
	return nil
}

func (r Repo) InsertApprovalsTx(ctx context.Context, tx *sql.Tx, batch []domain.Approval) error {
	for _, a := range batch {
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO initiative_approvals(id,initiative_id,stage_key,round_index,role,status,comment,created_at,decided_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
			a.ID, a.InitiativeID, a.Stage, a.Round, a.Role, a.Status, nullable(a.Comment), a.CreatedAt, nullableStringPtr(a.DecidedAt))
		if err != nil {
			return storageErr("insert approval", err)
		}
	}
	return nil
}

func (r Repo) GetApproval(ctx context.Context, id string) (domain.Approval, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM initiative_approvals WHERE id=?`, id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, storageErr("get approval", err)
	}
	return a, nil
}

// ListStageApprovals returns every row of one (initiative, stage, round)
// tuple. The coordinator calls this after writing a decision, inside the
// same transaction, so it never evaluates a stale view.
func (r Repo) ListStageApprovals(ctx context.Context, initiativeID string, stage domain.Stage, round int) ([]domain.Approval, error) {
	return r.listStageApprovals(ctx, r.DB.QueryContext, initiativeID, stage, round)
}

func (r Repo) ListStageApprovalsTx(ctx context.Context, tx *sql.Tx, initiativeID string, stage domain.Stage, round int) ([]domain.Approval, error) {
	return r.listStageApprovals(ctx, tx.QueryContext, initiativeID, stage, round)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listStageApprovals(ctx context.Context, query queryFn, initiativeID string, stage domain.Stage, round int) ([]domain.Approval, error) {
	rows, err := query(ctx, `SELECT `+approvalColumns+` FROM initiative_approvals WHERE initiative_id=? AND stage_key=? AND round_index=? ORDER BY role ASC`,
		initiativeID, stage, round)
	if err != nil {
		return nil, storageErr("list stage approvals", err)
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, storageErr("list stage approvals", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list stage approvals", err)
	}
	return res, nil
}

// UpdateApprovalStatusTx records a decision on a single row. Returns
// ErrNotFound when the row vanished.
func (r Repo) UpdateApprovalStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.ApprovalStatus, comment, decidedAt string) (domain.Approval, error) {
	res, err := tx.ExecContext(ctx, `UPDATE initiative_approvals SET status=?, comment=?, decided_at=? WHERE id=?`,
		status, nullable(comment), decidedAt, id)
	if err != nil {
		return domain.Approval{}, storageErr("update approval", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Approval{}, ErrNotFound
	}
	row := tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM initiative_approvals WHERE id=?`, id)
	a, err := scanApproval(row.Scan)
	if err != nil {
		return a, storageErr("reread approval", err)
	}
	return a, nil
}

type ApprovalFilters struct {
	InitiativeID string
	Status       string
	Roles        []string
	Limit        int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilters) ([]domain.Approval, error) {
	var clauses []string
	var args []any
	if f.InitiativeID != "" {
		clauses = append(clauses, "initiative_id=?")
		args = append(args, f.InitiativeID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(f.Roles) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Roles)), ",")
		clauses = append(clauses, "role IN ("+placeholders+")")
		for _, role := range f.Roles {
			args = append(args, role)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + approvalColumns + ` FROM initiative_approvals ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list approvals", err)
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, storageErr("list approvals", err)
		}
		res = append(res, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list approvals", err)
	}
	return res, nil
}
