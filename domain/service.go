package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Store is the document-store collaborator: per-entity CRUD with
// single-document atomicity. Get/Find return (nil, nil) when absent.
type Store interface {
	GetBoard(ctx context.Context, boardID string) (*Board, error)
	InsertBoard(ctx context.Context, b *Board) error
	UpdateBoard(ctx context.Context, b *Board) error
	DeleteBoard(ctx context.Context, boardID string) error

	GetList(ctx context.Context, boardID, listID string) (*List, error)
	FindList(ctx context.Context, listID string) (*List, error)
	InsertList(ctx context.Context, l *List) error
	UpdateList(ctx context.Context, l *List) error
	DeleteList(ctx context.Context, boardID, listID string) error
	ListsForBoard(ctx context.Context, boardID string) ([]List, error)

	GetCard(ctx context.Context, boardID, cardID string) (*Card, error)
	FindCard(ctx context.Context, cardID string) (*Card, error)
	InsertCard(ctx context.Context, c *Card) error
	UpdateCard(ctx context.Context, c *Card) error
	DeleteCard(ctx context.Context, boardID, cardID string) error
	CardsForBoard(ctx context.Context, boardID string) ([]Card, error)

	BoardIDsForUser(ctx context.Context, userID string) ([]string, error)
	PutMembership(ctx context.Context, userID, boardID string) error
	DeleteMembership(ctx context.Context, userID, boardID string) error

	AppendActivity(ctx context.Context, boardID string, entry Activity) error
	ActivityForBoard(ctx context.Context, boardID string, limit int) ([]Activity, error)
}

// Locker serializes structural mutations per board. Acquire blocks up to a
// bounded wait and fails with ErrConflict on timeout; release must be called
// only after every touched document is persisted.
type Locker interface {
	AcquireBoard(ctx context.Context, boardID string) (release func(), err error)
}

// Publisher fans a committed event out to the other live viewers of a board.
type Publisher interface {
	Publish(ctx context.Context, boardID, kind, actor string, payload any, originConn string)
}

// Notifier hands a committed mutation to the push-notification side channel.
// Best effort; never authoritative.
type Notifier interface {
	Notify(job NotifyJob)
}

// ViewCache caches assembled board read models.
type ViewCache interface {
	GetBoardView(ctx context.Context, boardID string) (*BoardView, bool)
	SetBoardView(ctx context.Context, view *BoardView)
	Evict(ctx context.Context, boardID string)
}

// ServiceConfig carries the policy knobs that must not be hardcoded.
type ServiceConfig struct {
	// DeleteMinTier is the tier required for list/card deletion. Defaults
	// to TierMember; deployments may raise it to TierAdmin.
	DeleteMinTier Tier
}

// Service is the only path by which board/list/card structure changes. Every
// mutation acquires the board lock, checks the caller's tier, updates the
// authoritative sequences, persists the touched documents as one logical
// unit and then publishes the committed event.
type Service struct {
	store     Store
	locks     Locker
	publisher Publisher
	notifier  Notifier
	cache     ViewCache
	logger    *log.Logger

	deleteMinTier Tier
}

func NewService(store Store, locks Locker, publisher Publisher, notifier Notifier, cache ViewCache, logger *log.Logger, cfg ServiceConfig) *Service {
	if store == nil {
		panic("domain.NewService: store is required")
	}
	if locks == nil {
		panic("domain.NewService: locker is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	min := cfg.DeleteMinTier
	if min < TierMember {
		min = TierMember
	}
	return &Service{
		store:         store,
		locks:         locks,
		publisher:     publisher,
		notifier:      notifier,
		cache:         cache,
		logger:        logger,
		deleteMinTier: min,
	}
}

// MoveCardResult is the canonical result of a card move, reused as the
// broadcast payload (the router augments it with the actor).
type MoveCardResult struct {
	Card              *Card  `json:"card"`
	SourceListID      string `json:"sourceListId"`
	DestinationListID string `json:"destinationListId"`
	SourceIndex       int    `json:"sourceIndex"`
	DestinationIndex  int    `json:"destinationIndex"`
}

type CreateBoardParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Background  string `json:"background"`
}

type UpdateBoardParams struct {
	Title       *string        `json:"title"`
	Description *string        `json:"description"`
	Background  *string        `json:"background"`
	Settings    *BoardSettings `json:"settings"`
}

type CreateListParams struct {
	Title    string `json:"title"`
	Position *int   `json:"position"`
}

type CreateCardParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Position    *int   `json:"position"`
}

type UpdateCardParams struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	DueDate     *time.Time `json:"dueDate"`
	Labels      *[]Label   `json:"labels"`
	Members     *[]string  `json:"members"`
}

// rollback restores pre-images of already-applied writes when a later write
// in the same logical unit fails. Steps run in reverse order while the board
// lock is still held; a failing step is logged because it leaves the
// ordering invariant broken.
type rollback struct {
	logger *log.Logger
	steps  []func(context.Context) error
}

func (r *rollback) add(step func(context.Context) error) {
	r.steps = append(r.steps, step)
}

func (r *rollback) run(ctx context.Context, boardID string) {
	for i := len(r.steps) - 1; i >= 0; i-- {
		if err := r.steps[i](ctx); err != nil {
			r.logger.WithFields(log.Fields{"board": boardID, "error": err}).
				Error("rollback step failed; ordering invariant may be broken")
		}
	}
}

func (s *Service) loadBoard(ctx context.Context, boardID string) (*Board, error) {
	b, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, notFoundf("board %s", boardID)
	}
	return b, nil
}

// CanView reports whether userID may read the board and join its room.
func (s *Service) CanView(ctx context.Context, userID, boardID string) error {
	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return err
	}
	return RequireAtLeast(b, userID, TierMember)
}

func (s *Service) publish(ctx context.Context, boardID, kind, actor string, payload any, origin string) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, boardID, kind, actor, payload, origin)
	}
	if s.notifier != nil {
		s.notifier.Notify(NotifyJob{BoardID: boardID, Event: kind, Actor: actor, Time: time.Now().UnixMilli()})
	}
}

func (s *Service) appendActivity(ctx context.Context, boardID, kind, actor, description string) {
	entry := Activity{Kind: kind, Actor: actor, Description: description, Timestamp: time.Now().UTC()}
	if err := s.store.AppendActivity(ctx, boardID, entry); err != nil {
		s.logger.WithFields(log.Fields{"board": boardID, "kind": kind, "error": err}).
			Error("activity append failed")
	}
}

func (s *Service) evict(ctx context.Context, boardID string) {
	if s.cache != nil {
		s.cache.Evict(ctx, boardID)
	}
}

// ListBoards returns summaries of every board the user owns or belongs to.
func (s *Service) ListBoards(ctx context.Context, userID string) ([]BoardSummary, error) {
	ids, err := s.store.BoardIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]BoardSummary, 0, len(ids))
	for _, id := range ids {
		b, err := s.store.GetBoard(ctx, id)
		if err != nil {
			return nil, err
		}
		if b == nil {
			// Stale membership row; board was deleted.
			continue
		}
		out = append(out, b.summary())
	}
	return out, nil
}

// GetBoard assembles the full read model for a board the user can view.
func (s *Service) GetBoard(ctx context.Context, userID, boardID string) (*BoardView, error) {
	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, userID, TierMember); err != nil {
		return nil, err
	}
	if s.cache != nil {
		if view, ok := s.cache.GetBoardView(ctx, boardID); ok {
			return view, nil
		}
	}
	lists, err := s.store.ListsForBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	cards, err := s.store.CardsForBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	view := assembleView(b, lists, cards)
	if s.cache != nil {
		s.cache.SetBoardView(ctx, view)
	}
	return view, nil
}

// Activity returns the most recent board activity entries, newest last.
func (s *Service) Activity(ctx context.Context, userID, boardID string, limit int) ([]Activity, error) {
	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, userID, TierMember); err != nil {
		return nil, err
	}
	return s.store.ActivityForBoard(ctx, boardID, limit)
}

// CreateBoard creates a board owned by the caller with a seeded default
// list, and records the owner's membership for board listing.
func (s *Service) CreateBoard(ctx context.Context, userID string, params CreateBoardParams) (*Board, error) {
	if err := validateTitle(params.Title); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	b := &Board{
		ID:          uuid.NewString(),
		Title:       params.Title,
		Description: params.Description,
		Background:  params.Background,
		Owner:       userID,
		Members:     []Member{{UserID: userID, Role: "admin", JoinedAt: now}},
		Settings:    DefaultBoardSettings(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	seed := &List{ID: uuid.NewString(), BoardID: b.ID, Title: "To-Do", Position: 0}
	b.ListOrder = []string{seed.ID}

	if err := s.store.InsertBoard(ctx, b); err != nil {
		return nil, err
	}
	if err := s.store.InsertList(ctx, seed); err != nil {
		return nil, err
	}
	if err := s.store.PutMembership(ctx, userID, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateBoard changes board metadata and settings. Requires Admin.
func (s *Service) UpdateBoard(ctx context.Context, actor, boardID string, params UpdateBoardParams, origin string) (*Board, error) {
	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, actor, TierAdmin); err != nil {
		return nil, err
	}
	if params.Title != nil {
		if err := validateTitle(*params.Title); err != nil {
			return nil, err
		}
		b.Title = *params.Title
	}
	if params.Description != nil {
		b.Description = *params.Description
	}
	if params.Background != nil {
		b.Background = *params.Background
	}
	if params.Settings != nil {
		b.Settings = *params.Settings
	}
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBoard(ctx, b); err != nil {
		return nil, err
	}
	s.appendActivity(ctx, boardID, "update", actor, "Board updated")
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventBoardUpdated, actor, BoardEvent{BoardID: boardID, Title: b.Title, Members: b.Members}, origin)
	return b, nil
}

// DeleteBoard removes the board and cascades to its lists, cards, activity
// and membership rows. Owner only.
func (s *Service) DeleteBoard(ctx context.Context, actor, boardID string) error {
	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return err
	}
	defer release()

	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if err := RequireAtLeast(b, actor, TierOwner); err != nil {
		return err
	}

	cards, err := s.store.CardsForBoard(ctx, boardID)
	if err != nil {
		return err
	}
	for i := range cards {
		if err := s.store.DeleteCard(ctx, boardID, cards[i].ID); err != nil {
			return err
		}
	}
	lists, err := s.store.ListsForBoard(ctx, boardID)
	if err != nil {
		return err
	}
	for i := range lists {
		if err := s.store.DeleteList(ctx, boardID, lists[i].ID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteMembership(ctx, b.Owner, boardID); err != nil {
		return err
	}
	for _, m := range b.Members {
		if m.UserID == b.Owner {
			continue
		}
		if err := s.store.DeleteMembership(ctx, m.UserID, boardID); err != nil {
			return err
		}
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	s.evict(ctx, boardID)
	return nil
}

// CreateList appends (or inserts) a list on the board. Requires Member.
func (s *Service) CreateList(ctx context.Context, actor, boardID string, params CreateListParams, origin string) (*List, error) {
	if err := validateTitle(params.Title); err != nil {
		return nil, err
	}
	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, actor, TierMember); err != nil {
		return nil, err
	}

	index := len(b.ListOrder)
	if params.Position != nil {
		index = *params.Position
	}
	l := &List{ID: uuid.NewString(), BoardID: boardID, Title: params.Title}
	prevOrder := b.ListOrder
	b.ListOrder = insertAt(b.ListOrder, l.ID, index)

	lists, err := s.store.ListsForBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	byID := listMap(lists)
	byID[l.ID] = l
	changed := shiftedLists(b.ListOrder, byID)
	reindexLists(b.ListOrder, byID)
	changed = filterList(changed, l.ID)

	rb := rollback{logger: s.logger}
	if err := s.store.InsertList(ctx, l); err != nil {
		return nil, err
	}
	rb.add(func(ctx context.Context) error { return s.store.DeleteList(ctx, boardID, l.ID) })

	b.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBoard(ctx, b); err != nil {
		rb.run(ctx, boardID)
		return nil, err
	}
	restore := *b
	restore.ListOrder = prevOrder
	rb.add(func(ctx context.Context) error { return s.store.UpdateBoard(ctx, &restore) })

	if err := s.persistLists(ctx, boardID, changed, &rb); err != nil {
		return nil, err
	}

	s.appendActivity(ctx, boardID, "list_create", actor, `List "`+l.Title+`" created`)
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventListCreated, actor, ListEvent{BoardID: boardID, ListID: l.ID, List: l}, origin)
	return l, nil
}

// UpdateList renames a list. Requires Member.
func (s *Service) UpdateList(ctx context.Context, actor, listID string, title string, origin string) (*List, error) {
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	l, err := s.store.FindList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, notFoundf("list %s", listID)
	}
	release, err := s.locks.AcquireBoard(ctx, l.BoardID)
	if err != nil {
		return nil, err
	}
	defer release()

	l, err = s.store.GetList(ctx, l.BoardID, listID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, notFoundf("list %s", listID)
	}
	b, err := s.loadBoard(ctx, l.BoardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, actor, TierMember); err != nil {
		return nil, err
	}
	l.Title = title
	if err := s.store.UpdateList(ctx, l); err != nil {
		return nil, err
	}
	s.appendActivity(ctx, b.ID, "list_update", actor, `List "`+l.Title+`" updated`)
	s.evict(ctx, b.ID)
	s.publish(ctx, b.ID, EventListUpdated, actor, ListEvent{BoardID: b.ID, ListID: l.ID, List: l}, origin)
	return l, nil
}

// DeleteList removes a list and cascades to its cards before detaching the
// list from the board order. Tier per DeleteMinTier config.
func (s *Service) DeleteList(ctx context.Context, actor, listID string, origin string) error {
	found, err := s.store.FindList(ctx, listID)
	if err != nil {
		return err
	}
	if found == nil {
		return notFoundf("list %s", listID)
	}
	boardID := found.BoardID

	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return err
	}
	defer release()

	l, err := s.store.GetList(ctx, boardID, listID)
	if err != nil {
		return err
	}
	if l == nil {
		return notFoundf("list %s", listID)
	}
	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if err := RequireAtLeast(b, actor, s.deleteMinTier); err != nil {
		return err
	}

	rb := rollback{logger: s.logger}

	// Cards first, then the list, then the board order.
	for _, cardID := range l.CardOrder {
		c, err := s.store.GetCard(ctx, boardID, cardID)
		if err != nil {
			rb.run(ctx, boardID)
			return err
		}
		if c == nil {
			continue
		}
		if err := s.store.DeleteCard(ctx, boardID, cardID); err != nil {
			rb.run(ctx, boardID)
			return err
		}
		restore := *c
		rb.add(func(ctx context.Context) error { return s.store.InsertCard(ctx, &restore) })
	}
	if err := s.store.DeleteList(ctx, boardID, listID); err != nil {
		rb.run(ctx, boardID)
		return err
	}
	restoreList := *l
	rb.add(func(ctx context.Context) error { return s.store.InsertList(ctx, &restoreList) })

	prevOrder := b.ListOrder
	order, err := removeRef(b.ListOrder, listID)
	if err != nil {
		rb.run(ctx, boardID)
		return err
	}
	b.ListOrder = order

	lists, err := s.store.ListsForBoard(ctx, boardID)
	if err != nil {
		rb.run(ctx, boardID)
		return err
	}
	byID := listMap(lists)
	changed := shiftedLists(b.ListOrder, byID)
	reindexLists(b.ListOrder, byID)

	b.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBoard(ctx, b); err != nil {
		rb.run(ctx, boardID)
		return err
	}
	restoreBoard := *b
	restoreBoard.ListOrder = prevOrder
	rb.add(func(ctx context.Context) error { return s.store.UpdateBoard(ctx, &restoreBoard) })

	if err := s.persistLists(ctx, boardID, changed, &rb); err != nil {
		return err
	}

	s.appendActivity(ctx, boardID, "list_delete", actor, `List "`+l.Title+`" deleted`)
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventListDeleted, actor, ListEvent{BoardID: boardID, ListID: listID}, origin)
	return nil
}

// ReorderLists replaces the board's list order wholesale. The new order must
// be a permutation of the current set; anything else is rejected so a
// reorder can never drop or duplicate a list.
func (s *Service) ReorderLists(ctx context.Context, actor, boardID string, orderedListIDs []string, origin string) error {
	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return err
	}
	defer release()

	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if err := RequireAtLeast(b, actor, TierMember); err != nil {
		return err
	}
	if !isPermutation(b.ListOrder, orderedListIDs) {
		return validationf("new order is not a permutation of the board's lists")
	}

	prevOrder := b.ListOrder
	b.ListOrder = append([]string(nil), orderedListIDs...)

	lists, err := s.store.ListsForBoard(ctx, boardID)
	if err != nil {
		return err
	}
	byID := listMap(lists)
	changed := shiftedLists(b.ListOrder, byID)
	reindexLists(b.ListOrder, byID)

	rb := rollback{logger: s.logger}
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBoard(ctx, b); err != nil {
		return err
	}
	restore := *b
	restore.ListOrder = prevOrder
	rb.add(func(ctx context.Context) error { return s.store.UpdateBoard(ctx, &restore) })

	if err := s.persistLists(ctx, boardID, changed, &rb); err != nil {
		return err
	}

	s.appendActivity(ctx, boardID, "lists_reorder", actor, "Lists reordered")
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventBoardUpdated, actor, BoardEvent{BoardID: boardID, ListOrder: b.ListOrder}, origin)
	return nil
}

// CreateCard inserts a card into a list, defaulting to the end of the
// sequence. Requires Member on the list's board.
func (s *Service) CreateCard(ctx context.Context, actor, listID string, params CreateCardParams, origin string) (*Card, error) {
	if err := validateTitle(params.Title); err != nil {
		return nil, err
	}
	found, err := s.store.FindList(ctx, listID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFoundf("list %s", listID)
	}
	boardID := found.BoardID

	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	defer release()

	l, err := s.store.GetList(ctx, boardID, listID)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, notFoundf("list %s", listID)
	}
	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, actor, TierMember); err != nil {
		return nil, err
	}

	index := len(l.CardOrder)
	if params.Position != nil {
		index = *params.Position
	}
	c := &Card{
		ID:          uuid.NewString(),
		BoardID:     boardID,
		ListID:      listID,
		Title:       params.Title,
		Description: params.Description,
	}
	prevOrder := l.CardOrder
	l.CardOrder = insertAt(l.CardOrder, c.ID, index)

	cards, err := s.cardsByList(ctx, boardID, listID)
	if err != nil {
		return nil, err
	}
	cards[c.ID] = c
	changed := shiftedCards(l.CardOrder, cards)
	reindexCards(l.CardOrder, cards)
	changed = dedupeCards(changed, c.ID)

	rb := rollback{logger: s.logger}
	if err := s.store.InsertCard(ctx, c); err != nil {
		return nil, err
	}
	rb.add(func(ctx context.Context) error { return s.store.DeleteCard(ctx, boardID, c.ID) })

	if err := s.store.UpdateList(ctx, l); err != nil {
		rb.run(ctx, boardID)
		return nil, err
	}
	restore := *l
	restore.CardOrder = prevOrder
	rb.add(func(ctx context.Context) error { return s.store.UpdateList(ctx, &restore) })

	if err := s.persistCards(ctx, boardID, changed, &rb); err != nil {
		return nil, err
	}

	s.appendActivity(ctx, boardID, "card_create", actor, `Card "`+c.Title+`" created in list "`+l.Title+`"`)
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventCardCreated, actor, CardEvent{BoardID: boardID, ListID: listID, CardID: c.ID, Card: c}, origin)
	return c, nil
}

// UpdateCard changes card content fields only; structure (list, position)
// moves through MoveCard. Requires Member.
func (s *Service) UpdateCard(ctx context.Context, actor, cardID string, params UpdateCardParams, origin string) (*Card, error) {
	found, err := s.store.FindCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFoundf("card %s", cardID)
	}
	boardID := found.BoardID

	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := s.store.GetCard(ctx, boardID, cardID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFoundf("card %s", cardID)
	}
	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, actor, TierMember); err != nil {
		return nil, err
	}
	if params.Title != nil {
		if err := validateTitle(*params.Title); err != nil {
			return nil, err
		}
		c.Title = *params.Title
	}
	if params.Description != nil {
		c.Description = *params.Description
	}
	if params.DueDate != nil {
		c.DueDate = params.DueDate
	}
	if params.Labels != nil {
		c.Labels = *params.Labels
	}
	if params.Members != nil {
		c.Members = *params.Members
	}
	if err := s.store.UpdateCard(ctx, c); err != nil {
		return nil, err
	}
	s.appendActivity(ctx, boardID, "card_update", actor, `Card "`+c.Title+`" updated`)
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventCardUpdated, actor, CardEvent{BoardID: boardID, ListID: c.ListID, CardID: c.ID, Card: c}, origin)
	return c, nil
}

// DeleteCard detaches the card from its list's sequence, reindexes the
// remaining cards and removes the card record. Tier per DeleteMinTier.
func (s *Service) DeleteCard(ctx context.Context, actor, cardID string, origin string) error {
	found, err := s.store.FindCard(ctx, cardID)
	if err != nil {
		return err
	}
	if found == nil {
		return notFoundf("card %s", cardID)
	}
	boardID := found.BoardID

	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return err
	}
	defer release()

	c, err := s.store.GetCard(ctx, boardID, cardID)
	if err != nil {
		return err
	}
	if c == nil {
		return notFoundf("card %s", cardID)
	}
	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if err := RequireAtLeast(b, actor, s.deleteMinTier); err != nil {
		return err
	}
	l, err := s.store.GetList(ctx, boardID, c.ListID)
	if err != nil {
		return err
	}
	if l == nil {
		return notFoundf("list %s", c.ListID)
	}

	prevOrder := l.CardOrder
	order, err := removeRef(l.CardOrder, cardID)
	if err != nil {
		return err
	}
	l.CardOrder = order

	cards, err := s.cardsByList(ctx, boardID, l.ID)
	if err != nil {
		return err
	}
	delete(cards, cardID)
	changed := shiftedCards(l.CardOrder, cards)
	reindexCards(l.CardOrder, cards)

	rb := rollback{logger: s.logger}
	if err := s.store.UpdateList(ctx, l); err != nil {
		return err
	}
	restoreList := *l
	restoreList.CardOrder = prevOrder
	rb.add(func(ctx context.Context) error { return s.store.UpdateList(ctx, &restoreList) })

	if err := s.persistCards(ctx, boardID, changed, &rb); err != nil {
		return err
	}

	if err := s.store.DeleteCard(ctx, boardID, cardID); err != nil {
		rb.run(ctx, boardID)
		return err
	}

	s.appendActivity(ctx, boardID, "card_delete", actor, `Card "`+c.Title+`" deleted`)
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventCardDeleted, actor, CardEvent{BoardID: boardID, ListID: l.ID, CardID: cardID}, origin)
	return nil
}

// MoveCard moves a card within its list or across lists on the same board.
// Card, source and destination lists are persisted as one logical unit under
// the board lock; both sequences are reindexed. Requires Member.
func (s *Service) MoveCard(ctx context.Context, actor, cardID, destListID string, destIndex int, origin string) (*MoveCardResult, error) {
	found, err := s.store.FindCard(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, notFoundf("card %s", cardID)
	}
	boardID := found.BoardID

	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	defer release()

	c, err := s.store.GetCard(ctx, boardID, cardID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, notFoundf("card %s", cardID)
	}
	src, err := s.store.GetList(ctx, boardID, c.ListID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, notFoundf("list %s", c.ListID)
	}
	dst, err := s.store.GetList(ctx, boardID, destListID)
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return nil, notFoundf("list %s", destListID)
	}
	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, actor, TierMember); err != nil {
		return nil, err
	}

	cards, err := s.cardsByList(ctx, boardID, src.ID)
	if err != nil {
		return nil, err
	}

	rb := rollback{logger: s.logger}
	var srcIdx, dstIdx int

	if src.ID == dst.ID {
		order, from, to, err := moveWithin(src.CardOrder, cardID, destIndex)
		if err != nil {
			return nil, err
		}
		srcIdx, dstIdx = from, to
		if from == to {
			// Nothing moved after clamping. Report the position without
			// recording a mutation that did not happen.
			return &MoveCardResult{
				Card:              c,
				SourceListID:      src.ID,
				DestinationListID: dst.ID,
				SourceIndex:       from,
				DestinationIndex:  to,
			}, nil
		}
		prevOrder := src.CardOrder
		src.CardOrder = order
		changed := shiftedCards(src.CardOrder, cards)
		reindexCards(src.CardOrder, cards)

		if err := s.store.UpdateList(ctx, src); err != nil {
			return nil, err
		}
		restore := *src
		restore.CardOrder = prevOrder
		rb.add(func(ctx context.Context) error { return s.store.UpdateList(ctx, &restore) })

		if err := s.persistCards(ctx, boardID, changed, &rb); err != nil {
			return nil, err
		}
	} else {
		destCards, err := s.cardsByList(ctx, boardID, dst.ID)
		if err != nil {
			return nil, err
		}
		for id, card := range destCards {
			cards[id] = card
		}

		newSrc, newDst, from, to, err := moveAcross(src.CardOrder, dst.CardOrder, cardID, destIndex)
		if err != nil {
			return nil, err
		}
		srcIdx, dstIdx = from, to

		prevCard := *c
		prevSrcOrder := src.CardOrder
		prevDstOrder := dst.CardOrder
		src.CardOrder = newSrc
		dst.CardOrder = newDst
		c.ListID = dst.ID
		cards[c.ID] = c

		// Reindex both sequences, not just the destination.
		changed := shiftedCards(src.CardOrder, cards)
		changedDst := shiftedCards(dst.CardOrder, cards)
		reindexCards(src.CardOrder, cards)
		reindexCards(dst.CardOrder, cards)
		changed = append(changed, changedDst...)
		changed = dedupeCards(changed, c.ID)

		if err := s.store.UpdateCard(ctx, c); err != nil {
			return nil, err
		}
		rb.add(func(ctx context.Context) error { return s.store.UpdateCard(ctx, &prevCard) })

		if err := s.store.UpdateList(ctx, src); err != nil {
			rb.run(ctx, boardID)
			return nil, err
		}
		restoreSrc := *src
		restoreSrc.CardOrder = prevSrcOrder
		rb.add(func(ctx context.Context) error { return s.store.UpdateList(ctx, &restoreSrc) })

		if err := s.store.UpdateList(ctx, dst); err != nil {
			rb.run(ctx, boardID)
			return nil, err
		}
		restoreDst := *dst
		restoreDst.CardOrder = prevDstOrder
		rb.add(func(ctx context.Context) error { return s.store.UpdateList(ctx, &restoreDst) })

		if err := s.persistCards(ctx, boardID, changed, &rb); err != nil {
			return nil, err
		}
	}

	s.appendActivity(ctx, boardID, "card_move", actor,
		`Card "`+c.Title+`" moved from "`+src.Title+`" to "`+dst.Title+`"`)
	s.evict(ctx, boardID)

	result := &MoveCardResult{
		Card:              c,
		SourceListID:      src.ID,
		DestinationListID: dst.ID,
		SourceIndex:       srcIdx,
		DestinationIndex:  dstIdx,
	}
	s.publish(ctx, boardID, EventCardMoved, actor, CardMovedEvent{
		BoardID:           boardID,
		CardID:            cardID,
		SourceListID:      src.ID,
		DestinationListID: dst.ID,
		SourceIndex:       srcIdx,
		DestinationIndex:  dstIdx,
		Card:              c,
	}, origin)
	return result, nil
}

// AddMember adds a membership entry. Requires Admin; duplicates conflict.
func (s *Service) AddMember(ctx context.Context, actor, boardID, userID, role string, origin string) (*Board, error) {
	if role == "" {
		role = "member"
	}
	if role != "member" && role != "admin" {
		return nil, validationf("role must be admin or member")
	}
	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, actor, TierAdmin); err != nil {
		return nil, err
	}
	if ResolveTier(b, userID) != TierNone {
		return nil, conflictf("user %s is already a member of board %s", userID, boardID)
	}
	b.Members = append(b.Members, Member{UserID: userID, Role: role, JoinedAt: time.Now().UTC()})
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBoard(ctx, b); err != nil {
		return nil, err
	}
	if err := s.store.PutMembership(ctx, userID, boardID); err != nil {
		return nil, err
	}
	s.appendActivity(ctx, boardID, "member_add", actor, "Member added to board")
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventBoardUpdated, actor, BoardEvent{BoardID: boardID, Members: b.Members}, origin)
	return b, nil
}

// RemoveMember removes a membership entry. Requires Admin. The owner is a
// permanent member and can never be removed, regardless of caller tier.
func (s *Service) RemoveMember(ctx context.Context, actor, boardID, userID string, origin string) (*Board, error) {
	release, err := s.locks.AcquireBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.loadBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if err := RequireAtLeast(b, actor, TierAdmin); err != nil {
		return nil, err
	}
	if userID == b.Owner {
		return nil, validationf("cannot remove board owner")
	}
	idx := -1
	for i, m := range b.Members {
		if m.UserID == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, notFoundf("user %s is not a member of board %s", userID, boardID)
	}
	b.Members = append(b.Members[:idx], b.Members[idx+1:]...)
	b.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateBoard(ctx, b); err != nil {
		return nil, err
	}
	if err := s.store.DeleteMembership(ctx, userID, boardID); err != nil {
		return nil, err
	}
	s.appendActivity(ctx, boardID, "member_remove", actor, "Member removed from board")
	s.evict(ctx, boardID)
	s.publish(ctx, boardID, EventBoardUpdated, actor, BoardEvent{BoardID: boardID, Members: b.Members}, origin)
	return b, nil
}

func validateTitle(title string) error {
	if title == "" {
		return validationf("title is required")
	}
	if len(title) > 100 {
		return validationf("title must be at most 100 characters")
	}
	return nil
}

func filterList(changes []listChange, dropID string) []listChange {
	var out []listChange
	for _, ch := range changes {
		if ch.l.ID != dropID {
			out = append(out, ch)
		}
	}
	return out
}

func listMap(lists []List) map[string]*List {
	out := make(map[string]*List, len(lists))
	for i := range lists {
		out[lists[i].ID] = &lists[i]
	}
	return out
}

func (s *Service) cardsByList(ctx context.Context, boardID, listID string) (map[string]*Card, error) {
	all, err := s.store.CardsForBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Card)
	for i := range all {
		if all[i].ListID == listID {
			out[all[i].ID] = &all[i]
		}
	}
	return out, nil
}

// listChange pairs a list whose cached position is about to be rewritten
// with its pre-image position, so a partial-write rollback can restore it.
type listChange struct {
	l       *List
	prevPos int
}

type cardChange struct {
	c       *Card
	prevPos int
}

// shiftedLists returns the lists whose cached position will change once the
// order is reindexed, so only touched documents are rewritten. Call before
// reindexing; the pre-image position is captured here.
func shiftedLists(order []string, lists map[string]*List) []listChange {
	var out []listChange
	for i, id := range order {
		if l, ok := lists[id]; ok && l.Position != i {
			out = append(out, listChange{l: l, prevPos: l.Position})
		}
	}
	return out
}

func shiftedCards(order []string, cards map[string]*Card) []cardChange {
	var out []cardChange
	for i, id := range order {
		if c, ok := cards[id]; ok && c.Position != i {
			out = append(out, cardChange{c: c, prevPos: c.Position})
		}
	}
	return out
}

// dedupeCards drops duplicates and the moved card itself (persisted
// separately) from a changed-card set.
func dedupeCards(changes []cardChange, movedID string) []cardChange {
	seen := make(map[string]struct{}, len(changes))
	var out []cardChange
	for _, ch := range changes {
		if ch.c.ID == movedID {
			continue
		}
		if _, ok := seen[ch.c.ID]; ok {
			continue
		}
		seen[ch.c.ID] = struct{}{}
		out = append(out, ch)
	}
	return out
}

func (s *Service) persistLists(ctx context.Context, boardID string, changed []listChange, rb *rollback) error {
	for _, ch := range changed {
		prev := *ch.l
		prev.Position = ch.prevPos
		if err := s.store.UpdateList(ctx, ch.l); err != nil {
			rb.run(ctx, boardID)
			return err
		}
		rb.add(func(ctx context.Context) error { return s.store.UpdateList(ctx, &prev) })
	}
	return nil
}

func (s *Service) persistCards(ctx context.Context, boardID string, changed []cardChange, rb *rollback) error {
	for _, ch := range changed {
		prev := *ch.c
		prev.Position = ch.prevPos
		if err := s.store.UpdateCard(ctx, ch.c); err != nil {
			rb.run(ctx, boardID)
			return err
		}
		rb.add(func(ctx context.Context) error { return s.store.UpdateCard(ctx, &prev) })
	}
	return nil
}
