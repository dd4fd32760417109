package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

// requestBodyMaxSize bounds mutation payloads before decoding.
const requestBodyMaxSize = 64 << 10

// headerConnectionID carries the caller's live-connection id so the echo of
// its own REST mutation is not broadcast back to it.
const headerConnectionID = "X-Connection-Id"

const headerIdempotencyKey = "Idempotency-Key"

type errorResponse struct {
	Message string `json:"message"`
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc BoardService, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/healthz", healthz())

	e.GET("/api/boards", listBoards(svc, auth))
	e.POST("/api/boards", createBoard(svc, auth, deduper))
	e.GET("/api/boards/:id", getBoard(svc, auth))
	e.PUT("/api/boards/:id", updateBoard(svc, auth, deduper))
	e.DELETE("/api/boards/:id", deleteBoard(svc, auth))
	e.GET("/api/boards/:id/activity", boardActivity(svc, auth))
	e.PUT("/api/boards/:id/lists/reorder", reorderLists(svc, auth, deduper))
	e.POST("/api/boards/:id/lists", createList(svc, auth, deduper))
	e.POST("/api/boards/:id/members", addMember(svc, auth, deduper))
	e.DELETE("/api/boards/:id/members/:userId", removeMember(svc, auth))

	e.PUT("/api/lists/:id", updateList(svc, auth, deduper))
	e.DELETE("/api/lists/:id", deleteList(svc, auth))
	e.POST("/api/lists/:id/cards", createCard(svc, auth, deduper))

	e.PUT("/api/cards/:id", updateCard(svc, auth, deduper))
	e.DELETE("/api/cards/:id", deleteCard(svc, auth))
	e.PUT("/api/cards/:id/move", moveCard(svc, auth, deduper, logger))
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

// writeError maps the mutation error taxonomy onto HTTP statuses. Unknown
// errors are logged and masked as 500s.
func writeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrForbidden):
		return c.JSON(http.StatusForbidden, errorResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrValidation):
		return c.JSON(http.StatusBadRequest, errorResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrConflict):
		return c.JSON(http.StatusConflict, errorResponse{Message: err.Error()})
	case errors.Is(err, domain.ErrRateLimited):
		return c.JSON(http.StatusTooManyRequests, errorResponse{Message: err.Error()})
	default:
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, errorResponse{Message: "internal server error"})
	}
}

func authenticate(c echo.Context, auth Authenticator) (string, error) {
	userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	if err != nil {
		return "", err
	}
	return userID, nil
}

func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func originConn(c echo.Context) string {
	return c.Request().Header.Get(headerConnectionID)
}

// idemGuard applies the Idempotency-Key header around one mutation. A Redis
// outage fails open: a lost replay guard is preferable to refusing writes.
type idemGuard struct {
	deduper Deduper
	userID  string
	key     string
	armed   bool
}

func newIdemGuard(c echo.Context, deduper Deduper, userID string) *idemGuard {
	return &idemGuard{deduper: deduper, userID: userID, key: c.Request().Header.Get(headerIdempotencyKey)}
}

// begin reports whether this request is a replay of an already-seen key.
func (g *idemGuard) begin(ctx context.Context) bool {
	if g.deduper == nil || g.key == "" {
		return false
	}
	added, err := g.deduper.Add(ctx, g.userID, g.key)
	if err != nil {
		return false
	}
	g.armed = true
	return !added
}

// rollback clears the key after a failed mutation so the client may retry.
func (g *idemGuard) rollback(ctx context.Context) {
	if g.armed {
		_ = g.deduper.Remove(ctx, g.userID, g.key)
	}
}

func duplicateRequest(c echo.Context) error {
	return c.JSON(http.StatusConflict, errorResponse{Message: "duplicate request"})
}

func listBoards(svc BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		boards, err := svc.ListBoards(c.Request().Context(), userID)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, boards)
	}
}

func getBoard(svc BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		view, err := svc.GetBoard(c.Request().Context(), userID, c.Param("id"))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, view)
	}
}

func createBoard(svc BoardService, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		var params domain.CreateBoardParams
		if err := decodeBody(c, &params); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
		}
		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			return duplicateRequest(c)
		}
		board, err := svc.CreateBoard(ctx, userID, params)
		if err != nil {
			guard.rollback(ctx)
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, board)
	}
}

func updateBoard(svc BoardService, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		var params domain.UpdateBoardParams
		if err := decodeBody(c, &params); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
		}
		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			return duplicateRequest(c)
		}
		board, err := svc.UpdateBoard(ctx, userID, c.Param("id"), params, originConn(c))
		if err != nil {
			guard.rollback(ctx)
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, board)
	}
}

func deleteBoard(svc BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		if err := svc.DeleteBoard(c.Request().Context(), userID, c.Param("id")); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func boardActivity(svc BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		limit := 50
		if raw := c.QueryParam("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid limit"})
			}
			limit = parsed
		}
		entries, err := svc.Activity(c.Request().Context(), userID, c.Param("id"), limit)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, entries)
	}
}

type reorderRequest struct {
	Lists []string `json:"lists"`
}

func reorderLists(svc BoardService, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		var req reorderRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
		}
		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			return duplicateRequest(c)
		}
		if err := svc.ReorderLists(ctx, userID, c.Param("id"), req.Lists, originConn(c)); err != nil {
			guard.rollback(ctx)
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func createList(svc BoardService, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		var params domain.CreateListParams
		if err := decodeBody(c, &params); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
		}
		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			return duplicateRequest(c)
		}
		l, err := svc.CreateList(ctx, userID, c.Param("id"), params, originConn(c))
		if err != nil {
			guard.rollback(ctx)
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, l)
	}
}

type updateListRequest struct {
	Title string `json:"title"`
}

func updateList(svc BoardService, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		var req updateListRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
		}
		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			return duplicateRequest(c)
		}
		l, err := svc.UpdateList(ctx, userID, c.Param("id"), req.Title, originConn(c))
		if err != nil {
			guard.rollback(ctx)
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, l)
	}
}

func deleteList(svc BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		if err := svc.DeleteList(c.Request().Context(), userID, c.Param("id"), originConn(c)); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func createCard(svc BoardService, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		var params domain.CreateCardParams
		if err := decodeBody(c, &params); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
		}
		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			return duplicateRequest(c)
		}
		card, err := svc.CreateCard(ctx, userID, c.Param("id"), params, originConn(c))
		if err != nil {
			guard.rollback(ctx)
			return writeError(c, err)
		}
		return c.JSON(http.StatusCreated, card)
	}
}

func updateCard(svc BoardService, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		var params domain.UpdateCardParams
		if err := decodeBody(c, &params); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
		}
		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			return duplicateRequest(c)
		}
		card, err := svc.UpdateCard(ctx, userID, c.Param("id"), params, originConn(c))
		if err != nil {
			guard.rollback(ctx)
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, card)
	}
}

func deleteCard(svc BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		if err := svc.DeleteCard(c.Request().Context(), userID, c.Param("id"), originConn(c)); err != nil {
			return writeError(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

type moveCardRequest struct {
	DestinationListID string `json:"destinationListId"`
	DestinationIndex  int    `json:"destinationIndex"`
}

// moveCard is the hottest mutation; it carries request metrics and a span
// the way no other route needs to.
func moveCard(svc BoardService, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newMutationRequestMetrics(ctx, logger, "/api/cards/:id/move")
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		userID, authErr := authenticate(c, auth)
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.JSON(http.StatusUnauthorized, errorResponse{Message: authErr.Error()})
			return err
		}

		var req moveCardRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
			return err
		}
		if req.DestinationListID == "" {
			metrics.SetErrorStage("validate")
			err = c.JSON(http.StatusBadRequest, errorResponse{Message: "destinationListId is required"})
			return err
		}

		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			metrics.SetErrorStage("duplicate")
			err = duplicateRequest(c)
			return err
		}

		serviceStart := time.Now()
		result, moveErr := svc.MoveCard(ctx, userID, c.Param("id"), req.DestinationListID, req.DestinationIndex, originConn(c))
		metrics.ObserveService(time.Since(serviceStart))
		if moveErr != nil {
			guard.rollback(ctx)
			metrics.SetErrorStage("service")
			err = writeError(c, moveErr)
			return err
		}
		err = c.JSON(http.StatusOK, result)
		return err
	}
}

type addMemberRequest struct {
	User string `json:"user"`
	Role string `json:"role"`
}

func addMember(svc BoardService, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		var req addMemberRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "invalid body"})
		}
		if req.User == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Message: "user is required"})
		}
		guard := newIdemGuard(c, deduper, userID)
		if guard.begin(ctx) {
			return duplicateRequest(c)
		}
		board, err := svc.AddMember(ctx, userID, c.Param("id"), req.User, req.Role, originConn(c))
		if err != nil {
			guard.rollback(ctx)
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, board)
	}
}

func removeMember(svc BoardService, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, err := authenticate(c, auth)
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Message: err.Error()})
		}
		board, err := svc.RemoveMember(c.Request().Context(), userID, c.Param("id"), c.Param("userId"), originConn(c))
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusOK, board)
	}
}
