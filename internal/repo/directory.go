package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gateline/internal/domain"
)

// Workstream and account lookups back the engine's external collaborator
// interfaces (approver-role configuration and the account directory).

func (r Repo) InsertWorkstream(ctx context.Context, ws domain.Workstream) error {
	roles, err := json.Marshal(ws.ApproverRoles)
	if err != nil {
		return fmt.Errorf("encode approver roles: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workstreams(id,name,approver_roles_json,created_at) VALUES (?,?,?,?)`,
		ws.ID, ws.Name, string(roles), ws.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return storageErr("insert workstream", err)
	}
	return nil
}

func (r Repo) GetWorkstream(ctx context.Context, id string) (domain.Workstream, error) {
	var ws domain.Workstream
	var roles string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,approver_roles_json,created_at FROM workstreams WHERE id=?`, id).
		Scan(&ws.ID, &ws.Name, &roles, &ws.CreatedAt)
	if err == sql.ErrNoRows {
		return ws, ErrNotFound
	}
	if err != nil {
		return ws, storageErr("get workstream", err)
	}
	if err := json.Unmarshal([]byte(roles), &ws.ApproverRoles); err != nil {
		return ws, fmt.Errorf("decode approver roles: %w", err)
	}
	return ws, nil
}

func (r Repo) ListWorkstreams(ctx context.Context) ([]domain.Workstream, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,approver_roles_json,created_at FROM workstreams ORDER BY created_at DESC`)
	if err != nil {
		return nil, storageErr("list workstreams", err)
	}
	defer rows.Close()
	var res []domain.Workstream
	for rows.Next() {
		var ws domain.Workstream
		var roles string
		if err := rows.Scan(&ws.ID, &ws.Name, &roles, &ws.CreatedAt); err != nil {
			return nil, storageErr("list workstreams", err)
		}
		if err := json.Unmarshal([]byte(roles), &ws.ApproverRoles); err != nil {
			return nil, fmt.Errorf("decode approver roles: %w", err)
		}
		res = append(res, ws)
	}
	return res, nil
}

func (r Repo) UpsertAccount(ctx context.Context, a domain.Account) error {
	roles, err := json.Marshal(a.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO accounts(id,name,email,roles_json,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, roles_json=excluded.roles_json`,
		a.ID, a.Name, nullable(a.Email), string(roles), a.CreatedAt)
	if err != nil {
		return storageErr("upsert account", err)
	}
	return nil
}

func (r Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var a domain.Account
	var email sql.NullString
	var roles string
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,email,roles_json,created_at FROM accounts WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &email, &roles, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, storageErr("get account", err)
	}
	if email.Valid {
		a.Email = email.String
	}
	if err := json.Unmarshal([]byte(roles), &a.Roles); err != nil {
		return a, fmt.Errorf("decode roles: %w", err)
	}
	return a, nil
}

func (r Repo) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,roles_json,created_at FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	defer rows.Close()
	var res []domain.Account
	for rows.Next() {
		var a domain.Account
		var email sql.NullString
		var roles string
		if err := rows.Scan(&a.ID, &a.Name, &email, &roles, &a.CreatedAt); err != nil {
			return nil, storageErr("list accounts", err)
		}
		if email.Valid {
			a.Email = email.String
		}
		if err := json.Unmarshal([]byte(roles), &a.Roles); err != nil {
			return nil, fmt.Errorf("decode roles: %w", err)
		}
		res = append(res, a)
	}
	return res, nil
}
