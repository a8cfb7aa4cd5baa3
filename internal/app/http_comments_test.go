package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"remark/api/internal/reconcile"
	"remark/api/internal/store"
)

func newTestServer(fake *fakeStore) (*HTTPServer, *Service) {
	svc := newTestService(fake)
	return NewHTTPServer(svc, reconcile.New(fake), "*"), svc
}

func bearerHeader(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	session, err := svc.issueSession(context.Background(), store.User{ID: userID, Username: "ada"})
	if err != nil {
		t.Fatalf("issueSession failed: %v", err)
	}
	return "Bearer " + session.Token
}

func doRequest(t *testing.T, server *HTTPServer, method, path, body, authorization string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(recorder.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodGet, "/api/health", "", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["ok"] != true {
		t.Errorf("expected ok:true, got %v", payload)
	}
}

func TestSessionEndpointAnonymous(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodGet, "/api/session", "", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["authenticated"] != false {
		t.Errorf("expected authenticated:false, got %v", payload)
	}
}

func TestAuthSignupAndSignin(t *testing.T) {
	users := map[string]store.User{}
	fake := &fakeStore{
		createUserFn: func(ctx context.Context, user store.User) error {
			users[user.Email] = user
			return nil
		},
		getUserByEmailFn: func(ctx context.Context, email string) (store.User, error) {
			if user, ok := users[email]; ok {
				return user, nil
			}
			return store.User{}, sql.ErrNoRows
		},
	}
	server, _ := newTestServer(fake)

	signup := doRequest(t, server, http.MethodPost, "/api/auth/signup",
		`{"email":"ada@example.com","password":"password123","username":"ada"}`, "", nil)
	if signup.Code != http.StatusCreated {
		t.Fatalf("expected 201 from signup, got %d: %s", signup.Code, signup.Body.String())
	}
	if payload := decodeResponse(t, signup); payload["accessToken"] == "" {
		t.Error("expected an access token from signup")
	}

	signin := doRequest(t, server, http.MethodPost, "/api/auth/signin",
		`{"email":"ada@example.com","password":"password123"}`, "", nil)
	if signin.Code != http.StatusOK {
		t.Fatalf("expected 200 from signin, got %d: %s", signin.Code, signin.Body.String())
	}

	badPassword := doRequest(t, server, http.MethodPost, "/api/auth/signin",
		`{"email":"ada@example.com","password":"wrong-password"}`, "", nil)
	if badPassword.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for wrong password, got %d", badPassword.Code)
	}
}

func TestCreateCommentRequiresAuth(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodPost, "/api/posts/post-1/comments",
		`{"content":"hello"}`, "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestCreateCommentEndpoint(t *testing.T) {
	var inserted store.Comment
	fake := &fakeStore{
		insertCommentFn: func(ctx context.Context, comment store.Comment) error {
			inserted = comment
			return nil
		},
		getCommentFn: func(ctx context.Context, id string) (store.Comment, error) {
			return inserted, nil
		},
	}
	server, svc := newTestServer(fake)

	recorder := doRequest(t, server, http.MethodPost, "/api/posts/post-1/comments",
		`{"content":"first!"}`, bearerHeader(t, svc, "user-1"), nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["content"] != "first!" {
		t.Errorf("expected content echoed back, got %v", payload["content"])
	}
	if payload["postId"] != "post-1" {
		t.Errorf("expected postId post-1, got %v", payload["postId"])
	}
}

func TestListCommentsEndpointPagination(t *testing.T) {
	fake := &fakeStore{
		listCommentsFn: func(ctx context.Context, postID string, parentID *string, sort string, limit, offset int) ([]store.Comment, error) {
			return []store.Comment{
				{ID: "cmt-4", PostID: postID, AuthorID: "user-1"},
				{ID: "cmt-5", PostID: postID, AuthorID: "user-1"},
				{ID: "cmt-6", PostID: postID, AuthorID: "user-1"},
			}, nil
		},
		countCommentsFn: func(context.Context, string, *string) (int, error) { return 7, nil },
	}
	server, _ := newTestServer(fake)

	recorder := doRequest(t, server, http.MethodGet, "/api/posts/post-1/comments?page=2&limit=3", "", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["total"] != float64(7) || payload["totalPages"] != float64(3) {
		t.Errorf("expected total=7 totalPages=3, got %v", payload)
	}
	if payload["hasNext"] != true || payload["hasPrev"] != true {
		t.Errorf("expected hasNext and hasPrev on the middle page, got %v", payload)
	}
	if items := payload["items"].([]any); len(items) != 3 {
		t.Errorf("expected 3 items, got %d", len(items))
	}
}

func TestListCommentsRejectsBadPage(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodGet, "/api/posts/post-1/comments?page=abc", "", "", nil)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", recorder.Code)
	}
}

func TestGetCommentNotFound(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	recorder := doRequest(t, server, http.MethodGet, "/api/comments/cmt-gone", "", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND code, got %v", payload["code"])
	}
}

func TestToggleLikeEndpoint(t *testing.T) {
	fake := &fakeStore{
		toggleLikeFn: func(ctx context.Context, likeID, commentID, userID string) (bool, int, error) {
			return true, 1, nil
		},
	}
	server, svc := newTestServer(fake)

	recorder := doRequest(t, server, http.MethodPost, "/api/comments/cmt-1/like", "", bearerHeader(t, svc, "user-1"), nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["liked"] != true || payload["likeCount"] != float64(1) {
		t.Errorf("expected liked=true likeCount=1, got %v", payload)
	}
}

func TestCommentCountEndpoint(t *testing.T) {
	fake := &fakeStore{
		countAllCommentsFn: func(context.Context, string) (int, error) { return 12, nil },
	}
	server, _ := newTestServer(fake)

	recorder := doRequest(t, server, http.MethodGet, "/api/posts/post-1/comments/count", "", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if payload := decodeResponse(t, recorder); payload["count"] != float64(12) {
		t.Errorf("expected count 12, got %v", payload["count"])
	}
}

func TestReconcileEndpointsRequireSyncToken(t *testing.T) {
	server, _ := newTestServer(&fakeStore{})

	noToken := doRequest(t, server, http.MethodPost, "/api/admin/reconcile/sync", `{}`, "", nil)
	if noToken.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without sync token, got %d", noToken.Code)
	}

	wrongToken := doRequest(t, server, http.MethodPost, "/api/admin/reconcile/sync", `{}`, "",
		map[string]string{"X-Sync-Token": "nope"})
	if wrongToken.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong sync token, got %d", wrongToken.Code)
	}
}

func TestReconcileSyncEndpoint(t *testing.T) {
	fake := &fakeStore{
		counterSnapshotsFn: func(ctx context.Context, postID string, commentIDs []string, limit, offset int) ([]store.CounterSnapshot, error) {
			return []store.CounterSnapshot{
				{CommentID: "cmt-1", PostID: postID, StoredLikes: 999, ActualLikes: 2},
			}, nil
		},
	}
	server, _ := newTestServer(fake)

	recorder := doRequest(t, server, http.MethodPost, "/api/admin/reconcile/sync",
		`{"postId":"post-1","batchSize":50}`, "",
		map[string]string{"X-Sync-Token": "test-sync-token"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["processedComments"] != float64(1) || payload["updatedLikeCounts"] != float64(1) {
		t.Errorf("unexpected sync report: %v", payload)
	}
}

func TestReconcileSyncAcceptsEmptyBody(t *testing.T) {
	fake := &fakeStore{
		counterSnapshotsFn: func(ctx context.Context, postID string, commentIDs []string, limit, offset int) ([]store.CounterSnapshot, error) {
			return nil, nil
		},
	}
	server, _ := newTestServer(fake)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reconcile/sync", strings.NewReader(""))
	req.Header.Set("X-Sync-Token", "test-sync-token")
	recorder := httptest.NewRecorder()
	server.Handler().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for an empty defaults body, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload := decodeResponse(t, recorder); payload["processedComments"] != float64(0) {
		t.Errorf("expected an empty report, got %v", payload)
	}
}

func TestReconcileSyncForwardsOffset(t *testing.T) {
	var seenOffset int
	fake := &fakeStore{
		counterSnapshotsFn: func(ctx context.Context, postID string, commentIDs []string, limit, offset int) ([]store.CounterSnapshot, error) {
			seenOffset = offset
			return nil, nil
		},
	}
	server, _ := newTestServer(fake)

	recorder := doRequest(t, server, http.MethodPost, "/api/admin/reconcile/sync",
		`{"batchSize":50,"offset":150}`, "",
		map[string]string{"X-Sync-Token": "test-sync-token"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if seenOffset != 150 {
		t.Errorf("expected offset 150 forwarded to the store, got %d", seenOffset)
	}
}

func TestReconcileValidateEndpoint(t *testing.T) {
	fake := &fakeStore{
		counterSnapshotsFn: func(ctx context.Context, postID string, commentIDs []string, limit, offset int) ([]store.CounterSnapshot, error) {
			return []store.CounterSnapshot{
				{CommentID: "cmt-ok", StoredLikes: 1, ActualLikes: 1},
				{CommentID: "cmt-drift", StoredLikes: 5, ActualLikes: 2},
			}, nil
		},
	}
	server, _ := newTestServer(fake)

	recorder := doRequest(t, server, http.MethodGet, "/api/admin/reconcile/validate", "", "",
		map[string]string{"X-Sync-Token": "test-sync-token"})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["count"] != float64(1) {
		t.Errorf("expected 1 mismatch, got %v", payload)
	}
}
