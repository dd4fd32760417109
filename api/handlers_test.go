package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

type mockService struct {
	err error

	board  *domain.Board
	view   *domain.BoardView
	result *domain.MoveCardResult

	lastActor    string
	lastBoardID  string
	lastCardID   string
	lastListID   string
	lastDest     string
	lastIndex    int
	lastOrigin   string
	lastRole     string
	deleteCalled bool
}

func (m *mockService) ListBoards(ctx context.Context, userID string) ([]domain.BoardSummary, error) {
	m.lastActor = userID
	if m.err != nil {
		return nil, m.err
	}
	return []domain.BoardSummary{{ID: "b1", Title: "Roadmap"}}, nil
}

func (m *mockService) GetBoard(ctx context.Context, userID, boardID string) (*domain.BoardView, error) {
	m.lastActor, m.lastBoardID = userID, boardID
	return m.view, m.err
}

func (m *mockService) CreateBoard(ctx context.Context, userID string, params domain.CreateBoardParams) (*domain.Board, error) {
	m.lastActor = userID
	return m.board, m.err
}

func (m *mockService) UpdateBoard(ctx context.Context, actor, boardID string, params domain.UpdateBoardParams, origin string) (*domain.Board, error) {
	m.lastActor, m.lastBoardID, m.lastOrigin = actor, boardID, origin
	return m.board, m.err
}

func (m *mockService) DeleteBoard(ctx context.Context, actor, boardID string) error {
	m.lastActor, m.lastBoardID, m.deleteCalled = actor, boardID, true
	return m.err
}

func (m *mockService) Activity(ctx context.Context, userID, boardID string, limit int) ([]domain.Activity, error) {
	m.lastActor, m.lastBoardID, m.lastIndex = userID, boardID, limit
	if m.err != nil {
		return nil, m.err
	}
	return []domain.Activity{{Kind: "card_move", Actor: "u1"}}, nil
}

func (m *mockService) CreateList(ctx context.Context, actor, boardID string, params domain.CreateListParams, origin string) (*domain.List, error) {
	m.lastActor, m.lastBoardID, m.lastOrigin = actor, boardID, origin
	if m.err != nil {
		return nil, m.err
	}
	return &domain.List{ID: "l-new", BoardID: boardID, Title: params.Title}, nil
}

func (m *mockService) UpdateList(ctx context.Context, actor, listID, title, origin string) (*domain.List, error) {
	m.lastActor, m.lastListID, m.lastOrigin = actor, listID, origin
	if m.err != nil {
		return nil, m.err
	}
	return &domain.List{ID: listID, Title: title}, nil
}

func (m *mockService) DeleteList(ctx context.Context, actor, listID, origin string) error {
	m.lastActor, m.lastListID, m.lastOrigin, m.deleteCalled = actor, listID, origin, true
	return m.err
}

func (m *mockService) ReorderLists(ctx context.Context, actor, boardID string, orderedListIDs []string, origin string) error {
	m.lastActor, m.lastBoardID, m.lastOrigin = actor, boardID, origin
	return m.err
}

func (m *mockService) CreateCard(ctx context.Context, actor, listID string, params domain.CreateCardParams, origin string) (*domain.Card, error) {
	m.lastActor, m.lastListID, m.lastOrigin = actor, listID, origin
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Card{ID: "c-new", ListID: listID, Title: params.Title}, nil
}

func (m *mockService) UpdateCard(ctx context.Context, actor, cardID string, params domain.UpdateCardParams, origin string) (*domain.Card, error) {
	m.lastActor, m.lastCardID, m.lastOrigin = actor, cardID, origin
	if m.err != nil {
		return nil, m.err
	}
	return &domain.Card{ID: cardID}, nil
}

func (m *mockService) DeleteCard(ctx context.Context, actor, cardID, origin string) error {
	m.lastActor, m.lastCardID, m.lastOrigin, m.deleteCalled = actor, cardID, origin, true
	return m.err
}

func (m *mockService) MoveCard(ctx context.Context, actor, cardID, destListID string, destIndex int, origin string) (*domain.MoveCardResult, error) {
	m.lastActor, m.lastCardID, m.lastDest, m.lastIndex, m.lastOrigin = actor, cardID, destListID, destIndex, origin
	return m.result, m.err
}

func (m *mockService) AddMember(ctx context.Context, actor, boardID, userID, role, origin string) (*domain.Board, error) {
	m.lastActor, m.lastBoardID, m.lastRole, m.lastOrigin = actor, boardID, role, origin
	return m.board, m.err
}

func (m *mockService) RemoveMember(ctx context.Context, actor, boardID, userID, origin string) (*domain.Board, error) {
	m.lastActor, m.lastBoardID, m.lastOrigin = actor, boardID, origin
	m.lastCardID = userID
	return m.board, m.err
}

type mockAuth struct {
	err error
}

func (m mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return "user-1", nil
}

type fakeDeduper struct {
	seen    map[string]bool
	removed []string
}

func (f *fakeDeduper) Add(ctx context.Context, userID, key string) (bool, error) {
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	k := userID + ":" + key
	if f.seen[k] {
		return false, nil
	}
	f.seen[k] = true
	return true, nil
}

func (f *fakeDeduper) Remove(ctx context.Context, userID, key string) error {
	delete(f.seen, userID+":"+key)
	f.removed = append(f.removed, key)
	return nil
}

func newTestServer(svc BoardService, auth Authenticator, deduper Deduper) *echo.Echo {
	e := echo.New()
	logger, _ := test.NewNullLogger()
	Register(e, svc, auth, deduper, logger)
	return e
}

func doRequest(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e := newTestServer(&mockService{}, mockAuth{}, nil)
	rec := doRequest(e, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	e := newTestServer(&mockService{}, mockAuth{err: errMissingAuthorization}, nil)
	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/boards"},
		{http.MethodPost, "/api/boards"},
		{http.MethodPut, "/api/cards/c1/move"},
		{http.MethodDelete, "/api/lists/l1"},
	} {
		rec := doRequest(e, route.method, route.path, "{}", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status = %d, want 401", route.method, route.path, rec.Code)
		}
	}
}

func TestGetBoard(t *testing.T) {
	svc := &mockService{view: &domain.BoardView{Board: domain.Board{ID: "b1", Title: "Roadmap"}}}
	e := newTestServer(svc, mockAuth{}, nil)

	rec := doRequest(e, http.MethodGet, "/api/boards/b1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if svc.lastActor != "user-1" || svc.lastBoardID != "b1" {
		t.Fatalf("service called with actor=%q board=%q", svc.lastActor, svc.lastBoardID)
	}
	var view domain.BoardView
	if err := sonic.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.Title != "Roadmap" {
		t.Fatalf("view = %+v", view)
	}
}

func TestErrorTaxonomyMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrConflict, http.StatusConflict},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &mockService{err: tc.err}
		e := newTestServer(svc, mockAuth{}, nil)
		rec := doRequest(e, http.MethodPut, "/api/cards/c1/move",
			`{"destinationListId":"l2","destinationIndex":0}`, nil)
		if rec.Code != tc.want {
			t.Fatalf("error %v mapped to %d, want %d", tc.err, rec.Code, tc.want)
		}
	}

	// Internal errors keep their details out of the response body.
	svc := &mockService{err: errors.New("connection string leaked")}
	e := newTestServer(svc, mockAuth{}, nil)
	rec := doRequest(e, http.MethodPut, "/api/cards/c1/move",
		`{"destinationListId":"l2"}`, nil)
	if strings.Contains(rec.Body.String(), "connection string") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestMoveCard(t *testing.T) {
	svc := &mockService{result: &domain.MoveCardResult{
		SourceListID: "l1", DestinationListID: "l2", SourceIndex: 0, DestinationIndex: 2,
	}}
	e := newTestServer(svc, mockAuth{}, nil)

	rec := doRequest(e, http.MethodPut, "/api/cards/c7/move",
		`{"destinationListId":"l2","destinationIndex":2}`,
		map[string]string{headerConnectionID: "ws-42"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if svc.lastCardID != "c7" || svc.lastDest != "l2" || svc.lastIndex != 2 {
		t.Fatalf("service called with card=%q dest=%q index=%d", svc.lastCardID, svc.lastDest, svc.lastIndex)
	}
	if svc.lastOrigin != "ws-42" {
		t.Fatalf("origin = %q, want ws-42", svc.lastOrigin)
	}
	var res domain.MoveCardResult
	if err := sonic.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.DestinationListID != "l2" || res.DestinationIndex != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestMoveCardValidation(t *testing.T) {
	svc := &mockService{}
	e := newTestServer(svc, mockAuth{}, nil)

	rec := doRequest(e, http.MethodPut, "/api/cards/c1/move", `{"destinationIndex":1}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing destinationListId: status = %d", rec.Code)
	}
	rec = doRequest(e, http.MethodPut, "/api/cards/c1/move", `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", rec.Code)
	}
	rec = doRequest(e, http.MethodPut, "/api/cards/c1/move",
		`{"destinationListId":"l2","bogus":true}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: status = %d", rec.Code)
	}
}

func TestCreateBoard(t *testing.T) {
	svc := &mockService{board: &domain.Board{ID: "b-new", Title: "Fresh"}}
	e := newTestServer(svc, mockAuth{}, nil)

	rec := doRequest(e, http.MethodPost, "/api/boards", `{"title":"Fresh"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestIdempotencyReplayRejected(t *testing.T) {
	svc := &mockService{board: &domain.Board{ID: "b-new"}}
	deduper := &fakeDeduper{}
	e := newTestServer(svc, mockAuth{}, deduper)
	headers := map[string]string{headerIdempotencyKey: "key-1"}

	rec := doRequest(e, http.MethodPost, "/api/boards", `{"title":"x"}`, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("first request: status = %d", rec.Code)
	}
	rec = doRequest(e, http.MethodPost, "/api/boards", `{"title":"x"}`, headers)
	if rec.Code != http.StatusConflict {
		t.Fatalf("replay: status = %d, want 409", rec.Code)
	}
}

func TestIdempotencyKeyFreedOnFailure(t *testing.T) {
	svc := &mockService{err: domain.ErrForbidden}
	deduper := &fakeDeduper{}
	e := newTestServer(svc, mockAuth{}, deduper)
	headers := map[string]string{headerIdempotencyKey: "key-2"}

	rec := doRequest(e, http.MethodPost, "/api/boards/b1/lists", `{"title":"x"}`, headers)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(deduper.removed) != 1 || deduper.removed[0] != "key-2" {
		t.Fatalf("removed keys = %v", deduper.removed)
	}

	// With the key freed the retry goes through.
	svc.err = nil
	rec = doRequest(e, http.MethodPost, "/api/boards/b1/lists", `{"title":"x"}`, headers)
	if rec.Code != http.StatusCreated {
		t.Fatalf("retry: status = %d", rec.Code)
	}
}

func TestRemoveMemberRouting(t *testing.T) {
	svc := &mockService{board: &domain.Board{ID: "b1"}}
	e := newTestServer(svc, mockAuth{}, nil)

	rec := doRequest(e, http.MethodDelete, "/api/boards/b1/members/u9", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.lastBoardID != "b1" || svc.lastCardID != "u9" {
		t.Fatalf("called with board=%q member=%q", svc.lastBoardID, svc.lastCardID)
	}
}

func TestBoardActivityLimit(t *testing.T) {
	svc := &mockService{}
	e := newTestServer(svc, mockAuth{}, nil)

	rec := doRequest(e, http.MethodGet, "/api/boards/b1/activity?limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if svc.lastIndex != 10 {
		t.Fatalf("limit = %d", svc.lastIndex)
	}

	rec = doRequest(e, http.MethodGet, "/api/boards/b1/activity?limit=-3", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit: status = %d", rec.Code)
	}
}

func TestDeleteCardPassesOrigin(t *testing.T) {
	svc := &mockService{}
	e := newTestServer(svc, mockAuth{}, nil)

	rec := doRequest(e, http.MethodDelete, "/api/cards/c3", "",
		map[string]string{headerConnectionID: "ws-7"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if !svc.deleteCalled || svc.lastCardID != "c3" || svc.lastOrigin != "ws-7" {
		t.Fatalf("delete called=%v card=%q origin=%q", svc.deleteCalled, svc.lastCardID, svc.lastOrigin)
	}
}
