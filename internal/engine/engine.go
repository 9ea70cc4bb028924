package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"campustasks/internal/config"
	"campustasks/internal/domain"
	"campustasks/internal/engine/gate"
	"campustasks/internal/events"
	"campustasks/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// EnsureProfile resolves the profile for a verified campus identity,
// creating it on first contact.
func (e Engine) EnsureProfile(ctx context.Context, id, email string) (domain.Profile, error) {
	p, err := e.Repo.GetProfile(ctx, id)
	if err == nil {
		return p, nil
	}
	if err != repo.ErrNotFound {
		return domain.Profile{}, err
	}
	if e.Config != nil && !e.Config.AllowedEmail(email) {
		return domain.Profile{}, gate.ValidationError{Field: "email", Reason: "email is not on the campus domain"}
	}
	now := e.nowRFC3339()
	p = domain.Profile{
		ID:        id,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertProfile(ctx, p); err != nil {
		// Lost a creation race with a concurrent first request.
		if existing, getErr := e.Repo.GetProfile(ctx, id); getErr == nil {
			return existing, nil
		}
		return domain.Profile{}, err
	}
	return p, nil
}

// AcceptRules flips the one-way rules flag and records the event.
func (e Engine) AcceptRules(ctx context.Context, profileID string) (domain.Profile, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Profile{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if err := e.Repo.AcceptRulesTx(ctx, tx, profileID, now); err != nil {
		return domain.Profile{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProfileRulesAccepted, "profile", profileID, profileID, nil); err != nil {
		return domain.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Profile{}, err
	}
	return e.Repo.GetProfile(ctx, profileID)
}

// UpdateDisplayName sets or clears the caller's display name.
func (e Engine) UpdateDisplayName(ctx context.Context, profileID string, displayName *string) (domain.Profile, error) {
	if displayName != nil {
		name := strings.TrimSpace(*displayName)
		if name == "" {
			displayName = nil
		} else {
			if len(name) > e.Config.Profiles.DisplayNameMaxLen {
				return domain.Profile{}, gate.ValidationError{Field: "display_name", Reason: fmt.Sprintf("must be at most %d characters", e.Config.Profiles.DisplayNameMaxLen)}
			}
			displayName = &name
		}
	}
	if err := e.Repo.UpdateDisplayName(ctx, profileID, displayName, e.nowRFC3339()); err != nil {
		return domain.Profile{}, err
	}
	return e.Repo.GetProfile(ctx, profileID)
}

// ProfileView is a profile enriched with its rating aggregate.
type ProfileView struct {
	domain.Profile
	RatingCount   int     `json:"rating_count"`
	RatingAverage float64 `json:"rating_average"`
}

func (e Engine) GetProfileView(ctx context.Context, profileID string) (ProfileView, error) {
	p, err := e.Repo.GetProfile(ctx, profileID)
	if err != nil {
		return ProfileView{}, err
	}
	count, avg, err := e.Repo.RatingSummary(ctx, profileID)
	if err != nil {
		return ProfileView{}, err
	}
	return ProfileView{Profile: p, RatingCount: count, RatingAverage: avg}, nil
}

// TaskCreateOptions are parameters for posting a task.
type TaskCreateOptions struct {
	ID          string
	PosterID    string
	Title       string
	Description string
	Location    string
	Category    string
	Window      string
	ScheduledAt string
	PriceCents  int
}

func (e Engine) validateTaskTerms(title, description string, priceCents int) error {
	cfg := e.Config
	title = strings.TrimSpace(title)
	if title == "" {
		return gate.ValidationError{Field: "title", Reason: "is required"}
	}
	if len(title) > cfg.Tasks.TitleMaxLen {
		return gate.ValidationError{Field: "title", Reason: fmt.Sprintf("must be at most %d characters", cfg.Tasks.TitleMaxLen)}
	}
	if len(description) > cfg.Tasks.DescMaxLen {
		return gate.ValidationError{Field: "description", Reason: fmt.Sprintf("must be at most %d characters", cfg.Tasks.DescMaxLen)}
	}
	if priceCents < cfg.Tasks.PriceMinCents || priceCents > cfg.Tasks.PriceMaxCents {
		return gate.ValidationError{Field: "price_cents", Reason: fmt.Sprintf("must be between %d and %d", cfg.Tasks.PriceMinCents, cfg.Tasks.PriceMaxCents)}
	}
	return nil
}

// CreateTask posts a new OPEN task. The poster must have accepted the
// marketplace rules first.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	poster, err := e.Repo.GetProfile(ctx, opts.PosterID)
	if err != nil {
		return domain.Task{}, err
	}
	if !poster.AcceptedRules {
		return domain.Task{}, gate.PermissionError{Reason: "accept the marketplace rules before posting tasks"}
	}
	if err := e.validateTaskTerms(opts.Title, opts.Description, opts.PriceCents); err != nil {
		return domain.Task{}, err
	}
	if len(opts.Location) > e.Config.Tasks.LocationMaxLen {
		return domain.Task{}, gate.ValidationError{Field: "location", Reason: fmt.Sprintf("must be at most %d characters", e.Config.Tasks.LocationMaxLen)}
	}
	if !domain.ValidCategory(opts.Category) {
		return domain.Task{}, gate.ValidationError{Field: "category", Reason: "must be one of " + strings.Join(domain.Categories, ", ")}
	}
	if !domain.ValidWindow(opts.Window) {
		return domain.Task{}, gate.ValidationError{Field: "window", Reason: "must be one of NOW, TODAY, THIS_WEEK, SCHEDULED"}
	}
	var scheduledAt *string
	if opts.Window == domain.WindowScheduled {
		if opts.ScheduledAt == "" {
			return domain.Task{}, gate.ValidationError{Field: "scheduled_at", Reason: "is required for a SCHEDULED window"}
		}
		ts, err := time.Parse(time.RFC3339, opts.ScheduledAt)
		if err != nil {
			return domain.Task{}, gate.ValidationError{Field: "scheduled_at", Reason: "must be an RFC 3339 timestamp"}
		}
		if !ts.After(e.now()) {
			return domain.Task{}, gate.ValidationError{Field: "scheduled_at", Reason: "must be in the future"}
		}
		v := ts.UTC().Format(time.RFC3339)
		scheduledAt = &v
	} else if opts.ScheduledAt != "" {
		return domain.Task{}, gate.ValidationError{Field: "scheduled_at", Reason: "is only allowed with a SCHEDULED window"}
	}

	now := e.nowRFC3339()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	t := domain.Task{
		ID:          id,
		PosterID:    opts.PosterID,
		Status:      domain.TaskOpen,
		Title:       strings.TrimSpace(opts.Title),
		Description: opts.Description,
		Location:    opts.Location,
		Category:    opts.Category,
		Window:      opts.Window,
		ScheduledAt: scheduledAt,
		PriceCents:  opts.PriceCents,
		CreatedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, "task", t.ID, opts.PosterID, events.EventPayload{
		"title": t.Title, "category": t.Category, "price_cents": t.PriceCents,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// GetTaskFor fetches a task as seen by a viewer. Non-participants never
// see a task whose poster or acceptor is blocked either direction with
// them.
func (e Engine) GetTaskFor(ctx context.Context, taskID, viewerID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if viewerID != "" && !t.Participant(viewerID) {
		parties := []string{t.PosterID}
		if t.AcceptorID != nil {
			parties = append(parties, *t.AcceptorID)
		}
		for _, id := range parties {
			blocked, err := e.Repo.IsBlockedEither(ctx, viewerID, id)
			if err != nil {
				return domain.Task{}, err
			}
			if blocked {
				return domain.Task{}, repo.ErrNotFound
			}
		}
	}
	return t, nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Status != "" {
		switch f.Status {
		case domain.TaskOpen, domain.TaskAccepted, domain.TaskComplete, domain.TaskCanceled:
		default:
			return nil, gate.ValidationError{Field: "status", Reason: "unknown status"}
		}
	}
	if f.Category != "" && !domain.ValidCategory(f.Category) {
		return nil, gate.ValidationError{Field: "category", Reason: "unknown category"}
	}
	if f.Window != "" && !domain.ValidWindow(f.Window) {
		return nil, gate.ValidationError{Field: "window", Reason: "unknown window"}
	}
	return e.Repo.ListTasks(ctx, f)
}

// AcceptTask claims an OPEN task for the caller. The conditional update
// guarantees at most one acceptor under concurrency; the loser of the
// race gets a conflict.
func (e Engine) AcceptTask(ctx context.Context, taskID, callerID string) (domain.Task, error) {
	caller, err := e.Repo.GetProfile(ctx, callerID)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	blocked, err := e.Repo.IsBlockedEither(ctx, callerID, t.PosterID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := gate.CanAccept(t, caller, blocked); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	won, err := e.Repo.AcceptTask(ctx, tx, taskID, callerID, now)
	if err != nil {
		return domain.Task{}, err
	}
	if !won {
		return domain.Task{}, gate.ConflictError{Reason: "task is no longer available"}
	}
	if err := e.appendSystemMessage(ctx, tx, taskID, "Task accepted. You can now coordinate here.", now); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskAccepted, "task", taskID, callerID, events.EventPayload{"poster_id": t.PosterID}); err != nil {
		return domain.Task{}, err
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// CancelTask cancels a task. The poster can cancel from OPEN or ACCEPTED,
// the acceptor only from ACCEPTED. A system message tells the counterpart
// who canceled.
func (e Engine) CancelTask(ctx context.Context, taskID, callerID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := gate.CanCancel(t, callerID); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	from := []string{domain.TaskOpen, domain.TaskAccepted}
	if callerID != t.PosterID {
		from = []string{domain.TaskAccepted}
	}
	ok, err := e.Repo.CancelTask(ctx, tx, taskID, now, from)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, gate.ConflictError{Reason: "task is already closed"}
	}
	if t.Status == domain.TaskAccepted {
		role := "poster"
		if callerID != t.PosterID {
			role = "acceptor"
		}
		if err := e.appendSystemMessage(ctx, tx, taskID, "Task canceled by the "+role+".", now); err != nil {
			return domain.Task{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TaskCanceled, "task", taskID, callerID, events.EventPayload{"from_status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// CompleteTask marks an ACCEPTED task COMPLETE. Poster only.
func (e Engine) CompleteTask(ctx context.Context, taskID, callerID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := gate.CanComplete(t, callerID); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	ok, err := e.Repo.CompleteTask(ctx, tx, taskID, now)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, gate.ConflictError{Reason: "task is not accepted"}
	}
	if err := e.appendSystemMessage(ctx, tx, taskID, "Task marked complete. You can now rate each other.", now); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskCompleted, "task", taskID, callerID, nil); err != nil {
		return domain.Task{}, err
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// TaskEditOptions carries the optional term changes for an OPEN task.
type TaskEditOptions struct {
	Title       *string
	Description *string
	PriceCents  *int
}

// EditTask changes title, description or price while the task is OPEN.
func (e Engine) EditTask(ctx context.Context, taskID, callerID string, opts TaskEditOptions) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := gate.CanEdit(t, callerID); err != nil {
		return domain.Task{}, err
	}
	title := t.Title
	if opts.Title != nil {
		title = strings.TrimSpace(*opts.Title)
		opts.Title = &title
	}
	description := t.Description
	if opts.Description != nil {
		description = *opts.Description
	}
	price := t.PriceCents
	if opts.PriceCents != nil {
		price = *opts.PriceCents
	}
	if err := e.validateTaskTerms(title, description, price); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.UpdateTaskTerms(ctx, tx, taskID, opts.Title, opts.Description, opts.PriceCents)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, gate.ConflictError{Reason: "task terms are locked once accepted"}
	}
	if err := e.Events.Append(ctx, tx, events.TaskEdited, "task", taskID, callerID, events.EventPayload{
		"title": title, "price_cents": price,
	}); err != nil {
		return domain.Task{}, err
	}
	updated, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// SendMessage posts a text message on a task chat.
func (e Engine) SendMessage(ctx context.Context, taskID, senderID, body string) (domain.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return domain.Message{}, gate.ValidationError{Field: "body", Reason: "is required"}
	}
	if len(body) > e.Config.Chat.MessageMaxLen {
		return domain.Message{}, gate.ValidationError{Field: "body", Reason: fmt.Sprintf("must be at most %d characters", e.Config.Chat.MessageMaxLen)}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Message{}, err
	}
	blocked := false
	if other := t.OtherParticipant(senderID); other != "" {
		blocked, err = e.Repo.IsBlockedEither(ctx, senderID, other)
		if err != nil {
			return domain.Message{}, err
		}
	}
	if err := gate.CanSendMessage(t, senderID, blocked); err != nil {
		return domain.Message{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	m := domain.Message{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		SenderID:  senderID,
		Type:      domain.MessageText,
		Body:      body,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertMessageTx(ctx, tx, m); err != nil {
		return domain.Message{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MessageSent, "task", taskID, senderID, nil); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// ListMessages returns the chat history for a participant, oldest first.
func (e Engine) ListMessages(ctx context.Context, taskID, callerID string, limit int, cursorCreatedAt, cursorID string) ([]domain.Message, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := gate.CanReadMessages(t, callerID); err != nil {
		return nil, err
	}
	return e.Repo.ListMessages(ctx, taskID, limit, cursorCreatedAt, cursorID)
}

// RateTask records a one-time rating of the counterpart on a COMPLETE
// task. The ratee is inferred, never supplied.
func (e Engine) RateTask(ctx context.Context, taskID, raterID string, stars int, comment *string) (domain.Rating, error) {
	if stars < 1 || stars > 5 {
		return domain.Rating{}, gate.ValidationError{Field: "stars", Reason: "must be between 1 and 5"}
	}
	if comment != nil {
		c := strings.TrimSpace(*comment)
		if c == "" {
			comment = nil
		} else {
			if len(c) > e.Config.Ratings.CommentMaxLen {
				return domain.Rating{}, gate.ValidationError{Field: "comment", Reason: fmt.Sprintf("must be at most %d characters", e.Config.Ratings.CommentMaxLen)}
			}
			comment = &c
		}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Rating{}, err
	}
	if err := gate.CanRate(t, raterID); err != nil {
		return domain.Rating{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rating{}, err
	}
	defer tx.Rollback()

	exists, err := e.Repo.HasRating(ctx, tx, taskID, raterID)
	if err != nil {
		return domain.Rating{}, err
	}
	if exists {
		return domain.Rating{}, gate.ConflictError{Reason: "you have already rated this task"}
	}
	rt := domain.Rating{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		RaterID:   raterID,
		RateeID:   t.OtherParticipant(raterID),
		Stars:     stars,
		Comment:   comment,
		CreatedAt: e.nowRFC3339(),
	}
	if err := e.Repo.InsertRatingTx(ctx, tx, rt); err != nil {
		return domain.Rating{}, err
	}
	if err := e.Events.Append(ctx, tx, events.RatingCreated, "task", taskID, raterID, events.EventPayload{
		"ratee_id": rt.RateeID, "stars": stars,
	}); err != nil {
		return domain.Rating{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rating{}, err
	}
	return rt, nil
}

// BlockProfile creates a block from the caller toward another profile.
func (e Engine) BlockProfile(ctx context.Context, blockerID, blockedID string) (domain.Block, error) {
	if err := gate.CanBlock(blockerID, blockedID); err != nil {
		return domain.Block{}, err
	}
	if _, err := e.Repo.GetProfile(ctx, blockedID); err != nil {
		return domain.Block{}, err
	}
	exists, err := e.Repo.HasBlock(ctx, blockerID, blockedID)
	if err != nil {
		return domain.Block{}, err
	}
	if exists {
		return domain.Block{}, gate.ConflictError{Reason: "profile is already blocked"}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Block{}, err
	}
	defer tx.Rollback()

	b := domain.Block{BlockerID: blockerID, BlockedID: blockedID, CreatedAt: e.nowRFC3339()}
	if err := e.Repo.InsertBlockTx(ctx, tx, b); err != nil {
		return domain.Block{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProfileBlocked, "profile", blockedID, blockerID, nil); err != nil {
		return domain.Block{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Block{}, err
	}
	return b, nil
}

// UnblockProfile removes the caller's block toward another profile.
func (e Engine) UnblockProfile(ctx context.Context, blockerID, blockedID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.DeleteBlockTx(ctx, tx, blockerID, blockedID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ProfileUnblocked, "profile", blockedID, blockerID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListBlocks(ctx context.Context, blockerID string) ([]domain.Block, error) {
	return e.Repo.ListBlocks(ctx, blockerID)
}

func (e Engine) appendSystemMessage(ctx context.Context, tx *sql.Tx, taskID, body, now string) error {
	m := domain.Message{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		SenderID:  domain.SystemSender,
		Type:      domain.MessageSystem,
		Body:      body,
		CreatedAt: now,
	}
	return e.Repo.InsertMessageTx(ctx, tx, m)
}
