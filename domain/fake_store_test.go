package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// fakeStore keeps documents in value maps so callers always get copies, the
// same way the table store hands back decoded entities.
type fakeStore struct {
	boards      map[string]Board
	lists       map[string]List
	cards       map[string]Card
	memberships map[string]map[string]bool
	activity    map[string][]Activity

	// failOn makes the named operation fail once, for partial-write tests.
	// Keys look like "UpdateList:listID" or "UpdateCard:cardID".
	failOn map[string]bool

	writes []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		boards:      map[string]Board{},
		lists:       map[string]List{},
		cards:       map[string]Card{},
		memberships: map[string]map[string]bool{},
		activity:    map[string][]Activity{},
		failOn:      map[string]bool{},
	}
}

func (f *fakeStore) fail(op string) error {
	if f.failOn[op] {
		delete(f.failOn, op)
		return fmt.Errorf("injected failure: %s", op)
	}
	return nil
}

func (f *fakeStore) GetBoard(ctx context.Context, boardID string) (*Board, error) {
	b, ok := f.boards[boardID]
	if !ok {
		return nil, nil
	}
	cp := b
	cp.Members = append([]Member(nil), b.Members...)
	cp.ListOrder = append([]string(nil), b.ListOrder...)
	return &cp, nil
}

func (f *fakeStore) InsertBoard(ctx context.Context, b *Board) error {
	if _, exists := f.boards[b.ID]; exists {
		return errors.New("board already exists")
	}
	f.boards[b.ID] = *b
	f.writes = append(f.writes, "InsertBoard:"+b.ID)
	return nil
}

func (f *fakeStore) UpdateBoard(ctx context.Context, b *Board) error {
	if err := f.fail("UpdateBoard:" + b.ID); err != nil {
		return err
	}
	cp := *b
	cp.Members = append([]Member(nil), b.Members...)
	cp.ListOrder = append([]string(nil), b.ListOrder...)
	f.boards[b.ID] = cp
	f.writes = append(f.writes, "UpdateBoard:"+b.ID)
	return nil
}

func (f *fakeStore) DeleteBoard(ctx context.Context, boardID string) error {
	delete(f.boards, boardID)
	f.writes = append(f.writes, "DeleteBoard:"+boardID)
	return nil
}

func (f *fakeStore) GetList(ctx context.Context, boardID, listID string) (*List, error) {
	l, ok := f.lists[listID]
	if !ok || l.BoardID != boardID {
		return nil, nil
	}
	cp := l
	cp.CardOrder = append([]string(nil), l.CardOrder...)
	return &cp, nil
}

func (f *fakeStore) FindList(ctx context.Context, listID string) (*List, error) {
	l, ok := f.lists[listID]
	if !ok {
		return nil, nil
	}
	cp := l
	return &cp, nil
}

func (f *fakeStore) InsertList(ctx context.Context, l *List) error {
	cp := *l
	cp.CardOrder = append([]string(nil), l.CardOrder...)
	f.lists[l.ID] = cp
	f.writes = append(f.writes, "InsertList:"+l.ID)
	return nil
}

func (f *fakeStore) UpdateList(ctx context.Context, l *List) error {
	if err := f.fail("UpdateList:" + l.ID); err != nil {
		return err
	}
	cp := *l
	cp.CardOrder = append([]string(nil), l.CardOrder...)
	f.lists[l.ID] = cp
	f.writes = append(f.writes, "UpdateList:"+l.ID)
	return nil
}

func (f *fakeStore) DeleteList(ctx context.Context, boardID, listID string) error {
	delete(f.lists, listID)
	f.writes = append(f.writes, "DeleteList:"+listID)
	return nil
}

func (f *fakeStore) ListsForBoard(ctx context.Context, boardID string) ([]List, error) {
	var out []List
	for _, l := range f.lists {
		if l.BoardID == boardID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStore) GetCard(ctx context.Context, boardID, cardID string) (*Card, error) {
	c, ok := f.cards[cardID]
	if !ok || c.BoardID != boardID {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (f *fakeStore) FindCard(ctx context.Context, cardID string) (*Card, error) {
	c, ok := f.cards[cardID]
	if !ok {
		return nil, nil
	}
	cp := c
	return &cp, nil
}

func (f *fakeStore) InsertCard(ctx context.Context, c *Card) error {
	f.cards[c.ID] = *c
	f.writes = append(f.writes, "InsertCard:"+c.ID)
	return nil
}

func (f *fakeStore) UpdateCard(ctx context.Context, c *Card) error {
	if err := f.fail("UpdateCard:" + c.ID); err != nil {
		return err
	}
	f.cards[c.ID] = *c
	f.writes = append(f.writes, "UpdateCard:"+c.ID)
	return nil
}

func (f *fakeStore) DeleteCard(ctx context.Context, boardID, cardID string) error {
	delete(f.cards, cardID)
	f.writes = append(f.writes, "DeleteCard:"+cardID)
	return nil
}

func (f *fakeStore) CardsForBoard(ctx context.Context, boardID string) ([]Card, error) {
	var out []Card
	for _, c := range f.cards {
		if c.BoardID == boardID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (f *fakeStore) BoardIDsForUser(ctx context.Context, userID string) ([]string, error) {
	var out []string
	for id := range f.memberships[userID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) PutMembership(ctx context.Context, userID, boardID string) error {
	if f.memberships[userID] == nil {
		f.memberships[userID] = map[string]bool{}
	}
	f.memberships[userID][boardID] = true
	return nil
}

func (f *fakeStore) DeleteMembership(ctx context.Context, userID, boardID string) error {
	delete(f.memberships[userID], boardID)
	return nil
}

func (f *fakeStore) AppendActivity(ctx context.Context, boardID string, entry Activity) error {
	f.activity[boardID] = append(f.activity[boardID], entry)
	return nil
}

func (f *fakeStore) ActivityForBoard(ctx context.Context, boardID string, limit int) ([]Activity, error) {
	entries := f.activity[boardID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return append([]Activity(nil), entries...), nil
}

// fakeLocker records acquire/release pairs and can refuse a board.
type fakeLocker struct {
	acquired []string
	released int
	deny     map[string]bool
}

func (f *fakeLocker) AcquireBoard(ctx context.Context, boardID string) (func(), error) {
	if f.deny[boardID] {
		return nil, conflictf("board %s is busy", boardID)
	}
	f.acquired = append(f.acquired, boardID)
	return func() { f.released++ }, nil
}

type publishedEvent struct {
	boardID string
	kind    string
	actor   string
	payload any
	origin  string
}

type fakePublisher struct {
	events []publishedEvent
}

func (f *fakePublisher) Publish(ctx context.Context, boardID, kind, actor string, payload any, originConn string) {
	f.events = append(f.events, publishedEvent{boardID, kind, actor, payload, originConn})
}

type fakeNotifier struct {
	jobs []NotifyJob
}

func (f *fakeNotifier) Notify(job NotifyJob) {
	f.jobs = append(f.jobs, job)
}
