package api

import (
	"context"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

// BoardService abstracts the mutation service for handlers.
type BoardService interface {
	ListBoards(ctx context.Context, userID string) ([]domain.BoardSummary, error)
	GetBoard(ctx context.Context, userID, boardID string) (*domain.BoardView, error)
	CreateBoard(ctx context.Context, userID string, params domain.CreateBoardParams) (*domain.Board, error)
	UpdateBoard(ctx context.Context, actor, boardID string, params domain.UpdateBoardParams, origin string) (*domain.Board, error)
	DeleteBoard(ctx context.Context, actor, boardID string) error
	Activity(ctx context.Context, userID, boardID string, limit int) ([]domain.Activity, error)

	CreateList(ctx context.Context, actor, boardID string, params domain.CreateListParams, origin string) (*domain.List, error)
	UpdateList(ctx context.Context, actor, listID, title, origin string) (*domain.List, error)
	DeleteList(ctx context.Context, actor, listID, origin string) error
	ReorderLists(ctx context.Context, actor, boardID string, orderedListIDs []string, origin string) error

	CreateCard(ctx context.Context, actor, listID string, params domain.CreateCardParams, origin string) (*domain.Card, error)
	UpdateCard(ctx context.Context, actor, cardID string, params domain.UpdateCardParams, origin string) (*domain.Card, error)
	DeleteCard(ctx context.Context, actor, cardID, origin string) error
	MoveCard(ctx context.Context, actor, cardID, destListID string, destIndex int, origin string) (*domain.MoveCardResult, error)

	AddMember(ctx context.Context, actor, boardID, userID, role, origin string) (*domain.Board, error)
	RemoveMember(ctx context.Context, actor, boardID, userID, origin string) (*domain.Board, error)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents replays of mutation requests that carry an
// Idempotency-Key header.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the mutation fails.
	Remove(ctx context.Context, userID, key string) error
}
