package domain

import "time"

// Tier is the authorization level a user holds on a board.
type Tier int

const (
	TierNone Tier = iota
	TierMember
	TierAdmin
	TierOwner
)

func (t Tier) String() string {
	switch t {
	case TierOwner:
		return "owner"
	case TierAdmin:
		return "admin"
	case TierMember:
		return "member"
	default:
		return "none"
	}
}

// ParseTier maps a stored role string to a tier. Unknown roles resolve to
// TierNone rather than failing so a bad membership row cannot grant access.
func ParseTier(role string) Tier {
	switch role {
	case "owner":
		return TierOwner
	case "admin":
		return TierAdmin
	case "member":
		return TierMember
	default:
		return TierNone
	}
}

// Member is a board membership entry. The owner is not required to appear
// here; ownership alone grants the highest tier.
type Member struct {
	UserID   string    `json:"user"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// BoardSettings are per-board toggles for content features. They are not
// part of the ordering core but persist and echo with the board.
type BoardSettings struct {
	AllowComments    bool `json:"allowComments"`
	AllowAttachments bool `json:"allowAttachments"`
	AllowLabels      bool `json:"allowLabels"`
	AllowDueDates    bool `json:"allowDueDates"`
}

func DefaultBoardSettings() BoardSettings {
	return BoardSettings{AllowComments: true, AllowAttachments: true, AllowLabels: true, AllowDueDates: true}
}

// Board is the top-level collaboration unit. ListOrder is the authoritative
// ordering of the board's lists; List.Position is a cache of the index.
type Board struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Background  string        `json:"background,omitempty"`
	Owner       string        `json:"owner"`
	Members     []Member      `json:"members"`
	ListOrder   []string      `json:"lists"`
	Settings    BoardSettings `json:"settings"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// List is an ordered container of cards within one board. CardOrder is the
// authoritative ordering; Card.Position caches the index.
type List struct {
	ID        string   `json:"id"`
	BoardID   string   `json:"board"`
	Title     string   `json:"title"`
	Position  int      `json:"position"`
	CardOrder []string `json:"cards"`
}

// Label is a colored tag on a card.
type Label struct {
	Color string `json:"color"`
	Text  string `json:"text,omitempty"`
}

// Card belongs to exactly one list at a time. ListID is mutable (moves);
// BoardID is denormalized and always equals the list's board.
type Card struct {
	ID          string     `json:"id"`
	BoardID     string     `json:"board"`
	ListID      string     `json:"list"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Position    int        `json:"position"`
	Members     []string   `json:"members,omitempty"`
	Labels      []Label    `json:"labels,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Activity is one append-only board log entry.
type Activity struct {
	Kind        string    `json:"type"`
	Actor       string    `json:"user"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// BoardSummary is the membership-listing projection of a board (no lists or
// cards resolved).
type BoardSummary struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Background string   `json:"background,omitempty"`
	Owner      string   `json:"owner"`
	Members    []Member `json:"members"`
}

// ListView is a list with its cards resolved in authoritative order.
type ListView struct {
	List
	Cards []Card `json:"cards"`
}

// BoardView is the full read model of a board: lists in board order, cards
// in list order. Assembled from independent store fetches.
type BoardView struct {
	Board
	Lists []ListView `json:"lists"`
}

// assembleView composes the read model from independently fetched documents.
// Lists follow board.ListOrder and cards follow each list's CardOrder; ids
// missing from the fetched sets are skipped rather than failing the read.
func assembleView(b *Board, lists []List, cards []Card) *BoardView {
	byList := make(map[string]*List, len(lists))
	for i := range lists {
		byList[lists[i].ID] = &lists[i]
	}
	byCard := make(map[string]*Card, len(cards))
	for i := range cards {
		byCard[cards[i].ID] = &cards[i]
	}

	view := &BoardView{Board: *b, Lists: make([]ListView, 0, len(b.ListOrder))}
	for _, listID := range b.ListOrder {
		l, ok := byList[listID]
		if !ok {
			continue
		}
		lv := ListView{List: *l, Cards: make([]Card, 0, len(l.CardOrder))}
		for _, cardID := range l.CardOrder {
			if c, ok := byCard[cardID]; ok {
				lv.Cards = append(lv.Cards, *c)
			}
		}
		view.Lists = append(view.Lists, lv)
	}
	return view
}

func (b *Board) summary() BoardSummary {
	return BoardSummary{ID: b.ID, Title: b.Title, Background: b.Background, Owner: b.Owner, Members: b.Members}
}
