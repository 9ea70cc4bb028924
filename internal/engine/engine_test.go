package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"campustasks/internal/config"
	"campustasks/internal/db"
	"campustasks/internal/domain"
	"campustasks/internal/engine"
	"campustasks/internal/engine/gate"
	"campustasks/internal/migrate"
	"campustasks/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) seedProfile(t *testing.T, id string) {
	t.Helper()
	if _, err := env.Engine.EnsureProfile(env.Ctx, id, id+"@example.edu"); err != nil {
		t.Fatalf("ensure profile %s: %v", id, err)
	}
	if _, err := env.Engine.AcceptRules(env.Ctx, id); err != nil {
		t.Fatalf("accept rules %s: %v", id, err)
	}
}

func (env testEnv) seedTask(t *testing.T, posterID string) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		PosterID:   posterID,
		Title:      "Pick up a package",
		Category:   "errand",
		Window:     "TODAY",
		PriceCents: 1500,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	task := env.seedTask(t, "alice")
	if task.Status != domain.TaskOpen {
		t.Fatalf("expected OPEN, got %s", task.Status)
	}

	task, err := env.Engine.AcceptTask(env.Ctx, task.ID, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if task.Status != domain.TaskAccepted || task.AcceptorID == nil || *task.AcceptorID != "bob" {
		t.Fatalf("unexpected accepted task: %+v", task)
	}

	// acceptance opens chat with a system message
	msgs, err := env.Engine.ListMessages(env.Ctx, task.ID, "alice", 50, "", "")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Type != domain.MessageSystem || msgs[0].SenderID != domain.SystemSender {
		t.Fatalf("expected one system message, got %+v", msgs)
	}

	task, err = env.Engine.CompleteTask(env.Ctx, task.ID, "alice")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != domain.TaskComplete || task.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %+v", task)
	}

	r, err := env.Engine.RateTask(env.Ctx, task.ID, "bob", 5, nil)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if r.RateeID != "alice" {
		t.Fatalf("expected ratee alice, got %s", r.RateeID)
	}
	if _, err := env.Engine.RateTask(env.Ctx, task.ID, "alice", 4, nil); err != nil {
		t.Fatalf("poster rate: %v", err)
	}

	view, err := env.Engine.GetProfileView(env.Ctx, "alice")
	if err != nil {
		t.Fatalf("profile view: %v", err)
	}
	if view.RatingCount != 1 || view.RatingAverage != 5 {
		t.Fatalf("unexpected rating summary: %+v", view)
	}
}

func TestAcceptIsExclusive(t *testing.T) {
	env := newTestEnv(t)
	// a single pooled connection serializes the writes without weakening
	// the race: every goroutine still interleaves with the others
	env.Engine.DB.SetMaxOpenConns(1)
	env.seedProfile(t, "alice")
	claimants := []string{"bob", "carol", "dave", "erin"}
	for _, id := range claimants {
		env.seedProfile(t, id)
	}
	task := env.seedTask(t, "alice")

	start := make(chan struct{})
	results := make(chan error, len(claimants))
	var wg sync.WaitGroup
	for _, id := range claimants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := env.Engine.AcceptTask(env.Ctx, task.ID, id)
			results <- err
		}(id)
	}
	close(start)
	wg.Wait()
	close(results)

	winners := 0
	var ce gate.ConflictError
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.As(err, &ce):
		default:
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != domain.TaskAccepted || got.AcceptorID == nil {
		t.Fatalf("expected a single recorded acceptor: %+v", got)
	}
}

func TestAcceptClaimIsConditional(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	env.seedProfile(t, "carol")
	task := env.seedTask(t, "alice")
	now := "2024-01-01T00:00:00Z"

	claim := func(acceptorID string) bool {
		tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		won, err := env.Engine.Repo.AcceptTask(env.Ctx, tx, task.ID, acceptorID, now)
		if err != nil {
			t.Fatalf("claim %s: %v", acceptorID, err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
		return won
	}

	// both claimants saw the task OPEN; only the first update lands
	if !claim("bob") {
		t.Fatalf("first claim should win")
	}
	if claim("carol") {
		t.Fatalf("second claim should find zero open rows")
	}

	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.AcceptorID == nil || *got.AcceptorID != "bob" {
		t.Fatalf("expected the first claim to hold: %+v", got)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")

	base := engine.TaskCreateOptions{
		PosterID:   "alice",
		Title:      "Help me move",
		Category:   "moving",
		Window:     "TODAY",
		PriceCents: 2000,
	}

	var ve gate.ValidationError

	low := base
	low.PriceCents = 499
	if _, err := env.Engine.CreateTask(env.Ctx, low); !errors.As(err, &ve) {
		t.Fatalf("expected price floor error, got %v", err)
	}
	high := base
	high.PriceCents = 50001
	if _, err := env.Engine.CreateTask(env.Ctx, high); !errors.As(err, &ve) {
		t.Fatalf("expected price ceiling error, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{PosterID: "alice", Title: "x", Category: "nope", Window: "TODAY", PriceCents: 1000}); !errors.As(err, &ve) {
		t.Fatalf("expected category error, got %v", err)
	}

	sched := base
	sched.Window = "SCHEDULED"
	if _, err := env.Engine.CreateTask(env.Ctx, sched); !errors.As(err, &ve) {
		t.Fatalf("expected missing scheduled_at error, got %v", err)
	}
	sched.ScheduledAt = "2023-12-31T10:00:00Z"
	if _, err := env.Engine.CreateTask(env.Ctx, sched); !errors.As(err, &ve) {
		t.Fatalf("expected past scheduled_at error, got %v", err)
	}
	sched.ScheduledAt = "2024-01-02T10:00:00Z"
	if _, err := env.Engine.CreateTask(env.Ctx, sched); err != nil {
		t.Fatalf("scheduled create: %v", err)
	}

	stray := base
	stray.ScheduledAt = "2024-01-02T10:00:00Z"
	if _, err := env.Engine.CreateTask(env.Ctx, stray); !errors.As(err, &ve) {
		t.Fatalf("expected scheduled_at rejected outside SCHEDULED, got %v", err)
	}
}

func TestRulesGate(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnsureProfile(env.Ctx, "newbie", "newbie@example.edu"); err != nil {
		t.Fatal(err)
	}
	var pe gate.PermissionError
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		PosterID: "newbie", Title: "x", Category: "other", Window: "NOW", PriceCents: 1000,
	})
	if !errors.As(err, &pe) {
		t.Fatalf("expected rules gate on post, got %v", err)
	}

	env.seedProfile(t, "alice")
	task := env.seedTask(t, "alice")
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "newbie"); !errors.As(err, &pe) {
		t.Fatalf("expected rules gate on accept, got %v", err)
	}
}

func TestSelfAcceptRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	task := env.seedTask(t, "alice")
	var pe gate.PermissionError
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "alice"); !errors.As(err, &pe) {
		t.Fatalf("expected self accept rejection, got %v", err)
	}
}

func TestTermsLockOnAccept(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	task := env.seedTask(t, "alice")

	newTitle := "Pick up two packages"
	updated, err := env.Engine.EditTask(env.Ctx, task.ID, "alice", engine.TaskEditOptions{Title: &newTitle})
	if err != nil {
		t.Fatalf("edit open: %v", err)
	}
	if updated.Title != newTitle {
		t.Fatalf("title not updated: %+v", updated)
	}

	var pe gate.PermissionError
	if _, err := env.Engine.EditTask(env.Ctx, task.ID, "bob", engine.TaskEditOptions{Title: &newTitle}); !errors.As(err, &pe) {
		t.Fatalf("expected poster-only edit, got %v", err)
	}

	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	var ce gate.ConflictError
	if _, err := env.Engine.EditTask(env.Ctx, task.ID, "alice", engine.TaskEditOptions{Title: &newTitle}); !errors.As(err, &ce) {
		t.Fatalf("expected terms lock, got %v", err)
	}
}

func TestCancelPaths(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	env.seedProfile(t, "eve")

	// poster cancels an open task, no chat existed so no system message
	open := env.seedTask(t, "alice")
	canceled, err := env.Engine.CancelTask(env.Ctx, open.ID, "alice")
	if err != nil {
		t.Fatalf("cancel open: %v", err)
	}
	if canceled.Status != domain.TaskCanceled || canceled.CanceledAt == nil {
		t.Fatalf("unexpected canceled task: %+v", canceled)
	}

	// acceptor may bail out of an accepted task
	accepted := env.seedTask(t, "alice")
	if _, err := env.Engine.AcceptTask(env.Ctx, accepted.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	canceled, err = env.Engine.CancelTask(env.Ctx, accepted.ID, "bob")
	if err != nil {
		t.Fatalf("acceptor cancel: %v", err)
	}
	if canceled.Status != domain.TaskCanceled {
		t.Fatalf("unexpected status %s", canceled.Status)
	}
	msgs, err := env.Engine.ListMessages(env.Ctx, accepted.ID, "alice", 50, "", "")
	if err != nil {
		t.Fatalf("history after cancel should stay readable: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.Type == domain.MessageSystem && strings.Contains(m.Body, "canceled") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cancel system message, got %+v", msgs)
	}

	// outsiders cannot cancel, closed tasks stay closed
	var pe gate.PermissionError
	other := env.seedTask(t, "alice")
	if _, err := env.Engine.CancelTask(env.Ctx, other.ID, "eve"); !errors.As(err, &pe) {
		t.Fatalf("expected outsider rejection, got %v", err)
	}
	var ce gate.ConflictError
	if _, err := env.Engine.CancelTask(env.Ctx, accepted.ID, "alice"); !errors.As(err, &ce) {
		t.Fatalf("expected closed conflict, got %v", err)
	}
}

func TestMessageGates(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	env.seedProfile(t, "eve")
	task := env.seedTask(t, "alice")

	var ce gate.ConflictError
	if _, err := env.Engine.SendMessage(env.Ctx, task.ID, "alice", "hello?"); !errors.As(err, &ce) {
		t.Fatalf("expected chat closed before accept, got %v", err)
	}

	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, task.ID, "bob", "on my way"); err != nil {
		t.Fatalf("send: %v", err)
	}

	var pe gate.PermissionError
	if _, err := env.Engine.SendMessage(env.Ctx, task.ID, "eve", "me too"); !errors.As(err, &pe) {
		t.Fatalf("expected outsider rejection, got %v", err)
	}
	if _, err := env.Engine.ListMessages(env.Ctx, task.ID, "eve", 50, "", ""); !errors.As(err, &pe) {
		t.Fatalf("expected outsider read rejection, got %v", err)
	}

	if _, err := env.Engine.CancelTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, task.ID, "bob", "too late"); !errors.As(err, &ce) {
		t.Fatalf("expected chat closed after cancel, got %v", err)
	}
	if _, err := env.Engine.ListMessages(env.Ctx, task.ID, "bob", 50, "", ""); err != nil {
		t.Fatalf("history should outlive cancel: %v", err)
	}
}

func TestRatingRules(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	env.seedProfile(t, "eve")
	task := env.seedTask(t, "alice")
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	var ce gate.ConflictError
	if _, err := env.Engine.RateTask(env.Ctx, task.ID, "bob", 5, nil); !errors.As(err, &ce) {
		t.Fatalf("expected rate before completion conflict, got %v", err)
	}

	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	var pe gate.PermissionError
	if _, err := env.Engine.RateTask(env.Ctx, task.ID, "eve", 5, nil); !errors.As(err, &pe) {
		t.Fatalf("expected outsider rate rejection, got %v", err)
	}

	var ve gate.ValidationError
	if _, err := env.Engine.RateTask(env.Ctx, task.ID, "bob", 6, nil); !errors.As(err, &ve) {
		t.Fatalf("expected stars bound error, got %v", err)
	}

	if _, err := env.Engine.RateTask(env.Ctx, task.ID, "bob", 4, nil); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if _, err := env.Engine.RateTask(env.Ctx, task.ID, "bob", 4, nil); !errors.As(err, &ce) {
		t.Fatalf("expected one rating per rater, got %v", err)
	}
}

func TestBlocking(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	task := env.seedTask(t, "alice")

	if _, err := env.Engine.BlockProfile(env.Ctx, "alice", "bob"); err != nil {
		t.Fatalf("block: %v", err)
	}
	var ce gate.ConflictError
	if _, err := env.Engine.BlockProfile(env.Ctx, "alice", "bob"); !errors.As(err, &ce) {
		t.Fatalf("expected duplicate block conflict, got %v", err)
	}

	// blocked profiles do not see each other's tasks
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ViewerID: "bob", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range tasks {
		if got.ID == task.ID {
			t.Fatalf("blocked task visible in listing")
		}
	}
	if _, err := env.Engine.GetTaskFor(env.Ctx, task.ID, "bob"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for blocked viewer, got %v", err)
	}

	var pe gate.PermissionError
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "bob"); !errors.As(err, &pe) {
		t.Fatalf("expected blocked accept rejection, got %v", err)
	}

	if err := env.Engine.UnblockProfile(env.Ctx, "alice", "bob"); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "bob"); err != nil {
		t.Fatalf("accept after unblock: %v", err)
	}

	// a block placed mid-task closes the chat too
	if _, err := env.Engine.BlockProfile(env.Ctx, "bob", "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SendMessage(env.Ctx, task.ID, "alice", "hello"); !errors.As(err, &pe) {
		t.Fatalf("expected blocked chat rejection, got %v", err)
	}
}

func TestBlockedAcceptorHidesTask(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	env.seedProfile(t, "carol")
	task := env.seedTask(t, "alice")
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BlockProfile(env.Ctx, "carol", "bob"); err != nil {
		t.Fatal(err)
	}

	// carol has no quarrel with the poster, but the acceptor is blocked
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{ViewerID: "carol", Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	for _, got := range tasks {
		if got.ID == task.ID {
			t.Fatalf("task with blocked acceptor visible in listing")
		}
	}
	if _, err := env.Engine.GetTaskFor(env.Ctx, task.ID, "carol"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for viewer blocking the acceptor, got %v", err)
	}

	// participants keep seeing their own task
	if _, err := env.Engine.GetTaskFor(env.Ctx, task.ID, "bob"); err != nil {
		t.Fatalf("acceptor lost sight of own task: %v", err)
	}
}

func TestEventAppendOnStateChanges(t *testing.T) {
	env := newTestEnv(t)
	env.seedProfile(t, "alice")
	env.seedProfile(t, "bob")
	task := env.seedTask(t, "alice")
	if _, err := env.Engine.AcceptTask(env.Ctx, task.ID, "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, "", "task", task.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) < 3 {
		t.Fatalf("expected created, accepted, completed events, got %d", len(events))
	}
}

func TestEmailDomainRestriction(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnsureProfile(env.Ctx, "out", "out@gmail.com"); err == nil {
		t.Fatalf("expected off-campus email rejection")
	}
}
