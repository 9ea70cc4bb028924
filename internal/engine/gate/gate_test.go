package gate

import (
	"errors"
	"testing"

	"campustasks/internal/domain"
)

func task(status, poster string, acceptor *string) domain.Task {
	return domain.Task{ID: "t1", PosterID: poster, AcceptorID: acceptor, Status: status}
}

func strptr(s string) *string { return &s }

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{domain.TaskOpen, domain.TaskAccepted, true},
		{domain.TaskOpen, domain.TaskCanceled, true},
		{domain.TaskOpen, domain.TaskComplete, false},
		{domain.TaskAccepted, domain.TaskComplete, true},
		{domain.TaskAccepted, domain.TaskCanceled, true},
		{domain.TaskAccepted, domain.TaskOpen, false},
		{domain.TaskComplete, domain.TaskCanceled, false},
		{domain.TaskCanceled, domain.TaskAccepted, false},
		{domain.TaskComplete, domain.TaskOpen, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestCanAccept(t *testing.T) {
	poster := domain.Profile{ID: "p1", AcceptedRules: true}
	worker := domain.Profile{ID: "p2", AcceptedRules: true}
	fresh := domain.Profile{ID: "p3", AcceptedRules: false}

	if err := CanAccept(task(domain.TaskOpen, poster.ID, nil), worker, false); err != nil {
		t.Fatalf("worker accept open task: %v", err)
	}

	var perm PermissionError
	var conflict ConflictError

	err := CanAccept(task(domain.TaskOpen, poster.ID, nil), poster, false)
	if !errors.As(err, &perm) {
		t.Errorf("self-accept: got %v, want PermissionError", err)
	}
	err = CanAccept(task(domain.TaskOpen, poster.ID, nil), fresh, false)
	if !errors.As(err, &perm) {
		t.Errorf("accept without rules: got %v, want PermissionError", err)
	}
	err = CanAccept(task(domain.TaskOpen, poster.ID, nil), worker, true)
	if !errors.As(err, &perm) {
		t.Errorf("accept while blocked: got %v, want PermissionError", err)
	}
	err = CanAccept(task(domain.TaskAccepted, poster.ID, strptr("p9")), worker, false)
	if !errors.As(err, &conflict) {
		t.Errorf("accept non-open task: got %v, want ConflictError", err)
	}
}

func TestCanCancel(t *testing.T) {
	acc := strptr("p2")

	if err := CanCancel(task(domain.TaskOpen, "p1", nil), "p1"); err != nil {
		t.Errorf("poster cancel open: %v", err)
	}
	if err := CanCancel(task(domain.TaskAccepted, "p1", acc), "p1"); err != nil {
		t.Errorf("poster cancel accepted: %v", err)
	}
	if err := CanCancel(task(domain.TaskAccepted, "p1", acc), "p2"); err != nil {
		t.Errorf("acceptor cancel accepted: %v", err)
	}

	var perm PermissionError
	var conflict ConflictError

	if err := CanCancel(task(domain.TaskOpen, "p1", nil), "p9"); !errors.As(err, &perm) {
		t.Errorf("outsider cancel: got %v, want PermissionError", err)
	}
	if err := CanCancel(task(domain.TaskComplete, "p1", acc), "p1"); !errors.As(err, &conflict) {
		t.Errorf("cancel complete: got %v, want ConflictError", err)
	}
	if err := CanCancel(task(domain.TaskCanceled, "p1", nil), "p1"); !errors.As(err, &conflict) {
		t.Errorf("cancel canceled: got %v, want ConflictError", err)
	}
}

func TestCanComplete(t *testing.T) {
	acc := strptr("p2")

	if err := CanComplete(task(domain.TaskAccepted, "p1", acc), "p1"); err != nil {
		t.Errorf("poster complete accepted: %v", err)
	}

	var perm PermissionError
	var conflict ConflictError

	if err := CanComplete(task(domain.TaskAccepted, "p1", acc), "p2"); !errors.As(err, &perm) {
		t.Errorf("acceptor complete: got %v, want PermissionError", err)
	}
	if err := CanComplete(task(domain.TaskOpen, "p1", nil), "p1"); !errors.As(err, &conflict) {
		t.Errorf("complete open: got %v, want ConflictError", err)
	}
}

func TestCanEdit(t *testing.T) {
	if err := CanEdit(task(domain.TaskOpen, "p1", nil), "p1"); err != nil {
		t.Errorf("poster edit open: %v", err)
	}
	var perm PermissionError
	var conflict ConflictError
	if err := CanEdit(task(domain.TaskOpen, "p1", nil), "p2"); !errors.As(err, &perm) {
		t.Errorf("stranger edit: got %v, want PermissionError", err)
	}
	if err := CanEdit(task(domain.TaskAccepted, "p1", strptr("p2")), "p1"); !errors.As(err, &conflict) {
		t.Errorf("edit accepted: got %v, want ConflictError", err)
	}
}

func TestMessageGates(t *testing.T) {
	acc := strptr("p2")

	if err := CanSendMessage(task(domain.TaskAccepted, "p1", acc), "p1", false); err != nil {
		t.Errorf("poster send on accepted: %v", err)
	}
	if err := CanSendMessage(task(domain.TaskComplete, "p1", acc), "p2", false); err != nil {
		t.Errorf("acceptor send on complete: %v", err)
	}
	if err := CanReadMessages(task(domain.TaskCanceled, "p1", acc), "p2"); err != nil {
		t.Errorf("read after cancel: %v", err)
	}

	var perm PermissionError
	var conflict ConflictError

	if err := CanSendMessage(task(domain.TaskAccepted, "p1", acc), "p9", false); !errors.As(err, &perm) {
		t.Errorf("outsider send: got %v, want PermissionError", err)
	}
	if err := CanSendMessage(task(domain.TaskCanceled, "p1", acc), "p1", false); !errors.As(err, &conflict) {
		t.Errorf("send after cancel: got %v, want ConflictError", err)
	}
	if err := CanSendMessage(task(domain.TaskAccepted, "p1", acc), "p1", true); !errors.As(err, &perm) {
		t.Errorf("send while blocked: got %v, want PermissionError", err)
	}
	if err := CanReadMessages(task(domain.TaskOpen, "p1", nil), "p1"); !errors.As(err, &conflict) {
		t.Errorf("read before accept: got %v, want ConflictError", err)
	}
	if err := CanReadMessages(task(domain.TaskAccepted, "p1", acc), "p9"); !errors.As(err, &perm) {
		t.Errorf("outsider read: got %v, want PermissionError", err)
	}
}

func TestCanRate(t *testing.T) {
	acc := strptr("p2")

	if err := CanRate(task(domain.TaskComplete, "p1", acc), "p1"); err != nil {
		t.Errorf("poster rate complete: %v", err)
	}
	if err := CanRate(task(domain.TaskComplete, "p1", acc), "p2"); err != nil {
		t.Errorf("acceptor rate complete: %v", err)
	}

	var perm PermissionError
	var conflict ConflictError

	if err := CanRate(task(domain.TaskComplete, "p1", acc), "p9"); !errors.As(err, &perm) {
		t.Errorf("outsider rate: got %v, want PermissionError", err)
	}
	if err := CanRate(task(domain.TaskAccepted, "p1", acc), "p1"); !errors.As(err, &conflict) {
		t.Errorf("rate before complete: got %v, want ConflictError", err)
	}
}

func TestCanBlock(t *testing.T) {
	if err := CanBlock("p1", "p2"); err != nil {
		t.Errorf("block other: %v", err)
	}
	var val ValidationError
	if err := CanBlock("p1", "p1"); !errors.As(err, &val) {
		t.Errorf("self-block: got %v, want ValidationError", err)
	}
	if err := CanBlock("p1", ""); !errors.As(err, &val) {
		t.Errorf("empty blocked_id: got %v, want ValidationError", err)
	}
}
