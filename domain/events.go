package domain

// Event kinds broadcast to live viewers of a board. Mutation echoes are
// published only from the REST path after successful persistence; presence
// and typing events originate from live connections.
const (
	EventCardCreated  = "card-created"
	EventCardUpdated  = "card-updated"
	EventCardDeleted  = "card-deleted"
	EventCardMoved    = "card-moved"
	EventListCreated  = "list-created"
	EventListUpdated  = "list-updated"
	EventListDeleted  = "list-deleted"
	EventBoardUpdated = "board-updated"

	EventUserJoined  = "user-joined"
	EventUserLeft    = "user-left"
	EventTyping      = "typing"
	EventRateLimited = "rate-limited"
)

// CardMovedEvent mirrors the payload the original clients reconcile against.
// All ids are strings for reliable client comparisons.
type CardMovedEvent struct {
	BoardID           string `json:"boardId"`
	CardID            string `json:"cardId"`
	SourceListID      string `json:"sourceListId"`
	DestinationListID string `json:"destinationListId"`
	SourceIndex       int    `json:"sourceIndex"`
	DestinationIndex  int    `json:"destinationIndex"`
	Card              *Card  `json:"card,omitempty"`
}

// CardEvent carries a card create/update/delete echo.
type CardEvent struct {
	BoardID string `json:"boardId"`
	ListID  string `json:"listId"`
	CardID  string `json:"cardId"`
	Card    *Card  `json:"card,omitempty"`
}

// ListEvent carries a list create/update/delete echo.
type ListEvent struct {
	BoardID string `json:"boardId"`
	ListID  string `json:"listId"`
	List    *List  `json:"list,omitempty"`
}

// BoardEvent carries board-level echoes: metadata updates, membership
// changes and wholesale list reorders.
type BoardEvent struct {
	BoardID   string   `json:"boardId"`
	Title     string   `json:"title,omitempty"`
	ListOrder []string `json:"lists,omitempty"`
	Members   []Member `json:"members,omitempty"`
}

// PresenceEvent identifies the user behind a join/leave/typing notification.
type PresenceEvent struct {
	User string `json:"user"`
}

// NotifyJob is the compact push-notification side-channel record enqueued
// after a committed mutation. It is never authoritative state.
type NotifyJob struct {
	BoardID string `json:"boardId"`
	Event   string `json:"event"`
	Actor   string `json:"actor"`
	Time    int64  `json:"time"`
}
