package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

// LatestEvents returns the audit log newest-first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, workstreamID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if workstreamID != "" {
		clauses = append(clauses, "workstream_id=?")
		args = append(args, workstreamID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,workstream_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list events", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var workstream, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &workstream, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, storageErr("list events", err)
		}
		if workstream.Valid {
			e.WorkstreamID = workstream.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}
