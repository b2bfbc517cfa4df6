package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"verdant/internal/domain"
)

// LatestEvents returns the newest events first, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, ownerID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if ownerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, ownerID)
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
	query := fmt.Sprintf(`SELECT id,ts,type,owner_id,entity_kind,entity_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order; the webhook dispatcher pages through these.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,owner_id,entity_kind,entity_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`
	return r.queryEvents(ctx, query, cursor, limit)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var owner, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &owner, &e.EntityKind, &entityID, &payload); err != nil {
			return nil, err
		}
		e.OwnerID = owner.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}
