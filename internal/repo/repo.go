package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"campustasks/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const taskColumns = `id,poster_id,acceptor_id,status,title,description,location,category,time_window,scheduled_at,price_cents,created_at,accepted_at,completed_at,canceled_at`

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var acceptorID, scheduledAt, acceptedAt, completedAt, canceledAt sql.NullString
	err := scan(&t.ID, &t.PosterID, &acceptorID, &t.Status, &t.Title, &t.Description, &t.Location,
		&t.Category, &t.Window, &scheduledAt, &t.PriceCents, &t.CreatedAt, &acceptedAt, &completedAt, &canceledAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if acceptorID.Valid {
		t.AcceptorID = &acceptorID.String
	}
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.String
	}
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if canceledAt.Valid {
		t.CanceledAt = &canceledAt.String
	}
	return t, nil
}

func (r Repo) InsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO profiles(id,email,display_name,accepted_rules,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Email, nullableStringPtr(p.DisplayName), boolToInt(p.AcceptedRules), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	return scanProfile(r.DB.QueryRowContext(ctx, `SELECT id,email,display_name,accepted_rules,created_at,updated_at FROM profiles WHERE id=?`, id))
}

func scanProfile(row *sql.Row) (domain.Profile, error) {
	var p domain.Profile
	var displayName sql.NullString
	var acceptedRules int
	err := row.Scan(&p.ID, &p.Email, &displayName, &acceptedRules, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if displayName.Valid {
		p.DisplayName = &displayName.String
	}
	p.AcceptedRules = acceptedRules == 1
	return p, nil
}

func (r Repo) AcceptRulesTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE profiles SET accepted_rules=1, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateDisplayName(ctx context.Context, id string, displayName *string, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE profiles SET display_name=?, updated_at=? WHERE id=?`,
		nullableStringPtr(displayName), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.PosterID, nullableStringPtr(t.AcceptorID), t.Status, t.Title, t.Description, t.Location,
		t.Category, t.Window, nullableStringPtr(t.ScheduledAt), t.PriceCents, t.CreatedAt,
		nullableStringPtr(t.AcceptedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CanceledAt))
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTaskRow(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTaskRow(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id).Scan)
}

// AcceptTask performs the conditional claim. The WHERE clause is the
// authoritative race arbiter: exactly one concurrent caller sees a row
// transition, everyone else gets zero rows affected.
func (r Repo) AcceptTask(ctx context.Context, tx *sql.Tx, taskID, acceptorID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, acceptor_id=?, accepted_at=? WHERE id=? AND status=? AND acceptor_id IS NULL`,
		domain.TaskAccepted, acceptorID, now, taskID, domain.TaskOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CancelTask(ctx context.Context, tx *sql.Tx, taskID, now string, fromStatuses []string) (bool, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStatuses)), ",")
	args := []any{domain.TaskCanceled, now, taskID}
	for _, s := range fromStatuses {
		args = append(args, s)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, canceled_at=? WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) CompleteTask(ctx context.Context, tx *sql.Tx, taskID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, completed_at=? WHERE id=? AND status=?`,
		domain.TaskComplete, now, taskID, domain.TaskAccepted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateTaskTerms edits title, description and price while the task is
// still OPEN. The status guard keeps the terms frozen after acceptance.
func (r Repo) UpdateTaskTerms(ctx context.Context, tx *sql.Tx, taskID string, title, description *string, priceCents *int) (bool, error) {
	var (
		fields []string
		args   []any
	)
	if title != nil {
		fields = append(fields, "title=?")
		args = append(args, *title)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, *description)
	}
	if priceCents != nil {
		fields = append(fields, "price_cents=?")
		args = append(args, *priceCents)
	}
	if len(fields) == 0 {
		return true, nil
	}
	args = append(args, taskID, domain.TaskOpen)
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id=? AND status=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type TaskFilters struct {
	Status          string
	Category        string
	Window          string
	PosterID        string
	AcceptorID      string
	ParticipantID   string
	ViewerID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListTasks filters the board. When ViewerID is set, tasks posted by
// anyone blocked either direction with the viewer are hidden.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Window != "" {
		clauses = append(clauses, "time_window=?")
		args = append(args, f.Window)
	}
	if f.PosterID != "" {
		clauses = append(clauses, "poster_id=?")
		args = append(args, f.PosterID)
	}
	if f.AcceptorID != "" {
		clauses = append(clauses, "acceptor_id=?")
		args = append(args, f.AcceptorID)
	}
	if f.ParticipantID != "" {
		clauses = append(clauses, "(poster_id=? OR acceptor_id=?)")
		args = append(args, f.ParticipantID, f.ParticipantID)
	}
	if f.ViewerID != "" {
		// A block in either direction against the poster or the acceptor
		// hides the task. NULL acceptor_id never matches IN.
		clauses = append(clauses, `NOT EXISTS (
			SELECT 1 FROM blocks b
			WHERE (b.blocker_id=? AND b.blocked_id IN (tasks.poster_id, tasks.acceptor_id))
			   OR (b.blocked_id=? AND b.blocker_id IN (tasks.poster_id, tasks.acceptor_id))
		)`)
		args = append(args, f.ViewerID, f.ViewerID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,task_id,sender_id,type,body,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.TaskID, m.SenderID, m.Type, m.Body, m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, taskID string, limit int, cursorCreatedAt, cursorID string) ([]domain.Message, error) {
	clauses := []string{"task_id=?"}
	args := []any{taskID}
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,task_id,sender_id,type,body,created_at FROM messages ` + where + ` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.TaskID, &m.SenderID, &m.Type, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertRatingTx(ctx context.Context, tx *sql.Tx, rt domain.Rating) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO ratings(id,task_id,rater_id,ratee_id,stars,comment,created_at) VALUES (?,?,?,?,?,?,?)`,
		rt.ID, rt.TaskID, rt.RaterID, rt.RateeID, rt.Stars, nullableStringPtr(rt.Comment), rt.CreatedAt)
	return err
}

func (r Repo) HasRating(ctx context.Context, tx *sql.Tx, taskID, raterID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM ratings WHERE task_id=? AND rater_id=?`, taskID, raterID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) ListRatingsFor(ctx context.Context, rateeID string, limit int) ([]domain.Rating, error) {
	query := `SELECT id,task_id,rater_id,ratee_id,stars,comment,created_at FROM ratings WHERE ratee_id=? ORDER BY created_at DESC, id DESC`
	args := []any{rateeID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rating
	for rows.Next() {
		var rt domain.Rating
		var comment sql.NullString
		if err := rows.Scan(&rt.ID, &rt.TaskID, &rt.RaterID, &rt.RateeID, &rt.Stars, &comment, &rt.CreatedAt); err != nil {
			return nil, err
		}
		if comment.Valid {
			rt.Comment = &comment.String
		}
		res = append(res, rt)
	}
	return res, rows.Err()
}

// RatingSummary returns the count and average stars received by a profile.
// Average is 0 when no ratings exist.
func (r Repo) RatingSummary(ctx context.Context, rateeID string) (int, float64, error) {
	var count int
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), AVG(stars) FROM ratings WHERE ratee_id=?`, rateeID).Scan(&count, &avg)
	if err != nil {
		return 0, 0, err
	}
	return count, avg.Float64, nil
}

func (r Repo) InsertBlockTx(ctx context.Context, tx *sql.Tx, b domain.Block) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO blocks(blocker_id,blocked_id,created_at) VALUES (?,?,?)`,
		b.BlockerID, b.BlockedID, b.CreatedAt)
	return err
}

func (r Repo) DeleteBlockTx(ctx context.Context, tx *sql.Tx, blockerID, blockedID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM blocks WHERE blocker_id=? AND blocked_id=?`, blockerID, blockedID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) HasBlock(ctx context.Context, blockerID, blockedID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM blocks WHERE blocker_id=? AND blocked_id=?`, blockerID, blockedID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsBlockedEither reports whether a block exists in either direction
// between two profiles.
func (r Repo) IsBlockedEither(ctx context.Context, a, b string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx,
		`SELECT 1 FROM blocks WHERE (blocker_id=? AND blocked_id=?) OR (blocker_id=? AND blocked_id=?)`,
		a, b, b, a).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) ListBlocks(ctx context.Context, blockerID string) ([]domain.Block, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT blocker_id,blocked_id,created_at FROM blocks WHERE blocker_id=? ORDER BY created_at DESC`, blockerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Block
	for rows.Next() {
		var b domain.Block
		if err := rows.Scan(&b.BlockerID, &b.BlockedID, &b.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
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
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx,
		`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
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
		var entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
