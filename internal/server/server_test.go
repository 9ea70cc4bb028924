package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	neturl "net/url"
	"strings"
	"testing"

	"campustasks/internal/config"
	"campustasks/internal/db"
	"campustasks/internal/engine"
	"campustasks/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, EnableDevAuth: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, profileID string) map[string]string {
	t.Helper()
	token, err := signDevToken(testJWTSecret, profileID, profileID+"@example.edu")
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Err     *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, testEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env testEnvelope
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v (%s)", err, string(data))
		}
	}
	return res, env
}

func acceptRules(t *testing.T, srv *testServer, profileID string) {
	t.Helper()
	res, env := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/me/accept-rules", nil, bearer(t, profileID))
	if res.StatusCode != http.StatusOK || !env.Success {
		t.Fatalf("accept rules for %s: %d", profileID, res.StatusCode)
	}
}

func TestUnauthenticatedRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, env := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	if env.Success || env.Err == nil || env.Err.Code != "unauthorized" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}

	// health stays open
	healthRes, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", healthRes.StatusCode)
	}
}

func TestLoginFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	identity, err := signDevToken(testJWTSecret, "alice", "alice@example.edu")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, env := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{"token": identity}, nil)
	if res.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("login status %d: %+v", res.StatusCode, env)
	}
	var login struct {
		Token   string `json:"token"`
		Profile struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"profile"`
	}
	if err := json.Unmarshal(env.Data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if !strings.HasPrefix(login.Token, sessionTokenPrefix) {
		t.Fatalf("expected session token, got %q", login.Token)
	}
	if login.Profile.ID != "alice" || login.Profile.Email != "alice@example.edu" {
		t.Fatalf("unexpected profile: %+v", login.Profile)
	}

	// the opaque session token authenticates subsequent requests
	meRes, meEnv := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if meRes.StatusCode != http.StatusOK || !meEnv.Success {
		t.Fatalf("me with session: %d", meRes.StatusCode)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	identity, err := signDevToken(testJWTSecret, "alice", "alice@example.edu")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, env := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{"token": identity}, nil)
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + login.Token}

	outRes, outEnv := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/logout", nil, headers)
	if outRes.StatusCode != http.StatusOK || !outEnv.Success {
		t.Fatalf("logout: %d %+v", outRes.StatusCode, outEnv)
	}

	meRes, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, headers)
	if meRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", meRes.StatusCode)
	}
}

func TestLoginRejectsOffCampusEmail(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	identity, err := signDevToken(testJWTSecret, "mallory", "mallory@gmail.com")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	res, env := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{"token": identity}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %+v", res.StatusCode, env)
	}
}

func TestTaskFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	acceptRules(t, srv, "alice")
	acceptRules(t, srv, "bob")
	acceptRules(t, srv, "carol")

	res, env := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":       "Carry boxes to the dorm",
		"category":    "moving",
		"window":      "TODAY",
		"price_cents": 2500,
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated || !env.Success {
		t.Fatalf("create task: %d %+v", res.StatusCode, env)
	}
	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != "OPEN" {
		t.Fatalf("expected OPEN, got %s", created.Status)
	}

	acceptRes, acceptEnv := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/accept", nil, bearer(t, "bob"))
	if acceptRes.StatusCode != http.StatusOK || !acceptEnv.Success {
		t.Fatalf("accept: %d %+v", acceptRes.StatusCode, acceptEnv)
	}

	// the second claim loses
	lateRes, lateEnv := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/accept", nil, bearer(t, "carol"))
	if lateRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %+v", lateRes.StatusCode, lateEnv)
	}
	if lateEnv.Success || lateEnv.Err == nil || lateEnv.Err.Code != "conflict" {
		t.Fatalf("unexpected conflict envelope: %+v", lateEnv)
	}

	msgRes, msgEnv := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/messages", map[string]any{
		"body": "heading over now",
	}, bearer(t, "bob"))
	if msgRes.StatusCode != http.StatusCreated || !msgEnv.Success {
		t.Fatalf("send message: %d %+v", msgRes.StatusCode, msgEnv)
	}

	doneRes, doneEnv := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/complete", nil, bearer(t, "alice"))
	if doneRes.StatusCode != http.StatusOK || !doneEnv.Success {
		t.Fatalf("complete: %d %+v", doneRes.StatusCode, doneEnv)
	}

	rateRes, rateEnv := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/rating", map[string]any{
		"stars": 5,
	}, bearer(t, "bob"))
	if rateRes.StatusCode != http.StatusCreated || !rateEnv.Success {
		t.Fatalf("rate: %d %+v", rateRes.StatusCode, rateEnv)
	}
}

func TestTaskPaginationVisitsEveryRow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	acceptRules(t, srv, "alice")
	auth := bearer(t, "alice")

	want := map[string]bool{}
	for i := 0; i < 5; i++ {
		res, env := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
			"title":       fmt.Sprintf("Errand number %d", i),
			"category":    "errand",
			"window":      "TODAY",
			"price_cents": 1000,
		}, auth)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: %d %+v", i, res.StatusCode, env)
		}
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Data, &created); err != nil {
			t.Fatalf("unmarshal task: %v", err)
		}
		want[created.ID] = true
	}

	seen := map[string]bool{}
	cursor := ""
	for page := 0; page < 10; page++ {
		url := srv.URL + "/v1/tasks?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, env := doJSON(t, client, http.MethodGet, url, nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list page %d: %d %+v", page, res.StatusCode, env)
		}
		var listing struct {
			Items []struct {
				ID string `json:"id"`
			} `json:"items"`
			NextCursor string `json:"next_cursor"`
		}
		if err := json.Unmarshal(env.Data, &listing); err != nil {
			t.Fatalf("unmarshal listing: %v", err)
		}
		for _, item := range listing.Items {
			if seen[item.ID] {
				t.Fatalf("task %s returned twice", item.ID)
			}
			seen[item.ID] = true
		}
		if listing.NextCursor == "" {
			break
		}
		cursor = neturl.QueryEscape(listing.NextCursor)
	}
	for id := range want {
		if !seen[id] {
			t.Fatalf("pagination skipped task %s", id)
		}
	}

	// the audit feed pages with the same no-gap guarantee
	seenEvents := map[string]bool{}
	total := 0
	cursor = ""
	for page := 0; page < 10; page++ {
		url := srv.URL + "/v1/events?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, env := doJSON(t, client, http.MethodGet, url, nil, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("events page %d: %d %+v", page, res.StatusCode, env)
		}
		var feed struct {
			Items []struct {
				ID int64 `json:"id"`
			} `json:"items"`
			NextCursor string `json:"next_cursor"`
		}
		if err := json.Unmarshal(env.Data, &feed); err != nil {
			t.Fatalf("unmarshal events: %v", err)
		}
		for _, item := range feed.Items {
			key := fmt.Sprintf("%d", item.ID)
			if seenEvents[key] {
				t.Fatalf("event %s returned twice", key)
			}
			seenEvents[key] = true
			total++
		}
		if feed.NextCursor == "" {
			break
		}
		cursor = feed.NextCursor
	}
	if total < len(want) {
		t.Fatalf("event feed returned %d events for %d task creations", total, len(want))
	}
}

func TestValidationErrorShape(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	acceptRules(t, srv, "alice")

	res, env := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":       "Cheap job",
		"category":    "errand",
		"window":      "NOW",
		"price_cents": 100,
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %+v", res.StatusCode, env)
	}
	if env.Success || env.Err == nil || env.Err.Code != "bad_request" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestPermissionErrorShape(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	acceptRules(t, srv, "alice")
	acceptRules(t, srv, "bob")

	res, env := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":       "Tutor me",
		"category":    "tutoring",
		"window":      "THIS_WEEK",
		"price_cents": 3000,
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d", res.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(env.Data, &created)

	selfRes, selfEnv := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+created.ID+"/accept", nil, bearer(t, "alice"))
	if selfRes.StatusCode != http.StatusForbidden || selfEnv.Err == nil || selfEnv.Err.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %d: %+v", selfRes.StatusCode, selfEnv)
	}
}
