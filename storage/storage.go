package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/ChinmayGambhirrao/BoardHub-Backend/domain"
)

// Storage persists boards, lists, cards, memberships and activity in Azure
// Table Storage. Partitioning: board-scoped documents share the board id as
// partition key so every read the mutation path needs is a single-partition
// query; memberships are partitioned by user for the board-listing query.
type Storage struct {
	boardTable      *aztables.Client
	listTable       *aztables.Client
	cardTable       *aztables.Client
	membershipTable *aztables.Client
	activityTable   *aztables.Client
}

// Tables names the five tables a deployment provisions.
type Tables struct {
	Boards      string
	Lists       string
	Cards       string
	Memberships string
	Activity    string
}

// New creates a Storage instance from the given connection string.
func New(connStr string, tables Tables) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		boardTable:      svc.NewClient(tables.Boards),
		listTable:       svc.NewClient(tables.Lists),
		cardTable:       svc.NewClient(tables.Cards),
		membershipTable: svc.NewClient(tables.Memberships),
		activityTable:   svc.NewClient(tables.Activity),
	}, nil
}

const boardRowKey = "board"

// Complex fields (member lists, orderings, labels) are stored as JSON
// strings inside the entity; Table Storage has no native collection types.
type boardEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Background  string `json:"Background"`
	Owner       string `json:"Owner"`
	Members     string `json:"Members"`
	ListOrder   string `json:"ListOrder"`
	Settings    string `json:"Settings"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

type listEntity struct {
	aztables.Entity
	Title     string `json:"Title"`
	Position  int    `json:"Position"`
	CardOrder string `json:"CardOrder"`
}

type cardEntity struct {
	aztables.Entity
	ListID      string `json:"ListId"`
	Title       string `json:"Title"`
	Description string `json:"Description"`
	Position    int    `json:"Position"`
	Members     string `json:"Members"`
	Labels      string `json:"Labels"`
	DueDate     string `json:"DueDate"`
}

type activityEntity struct {
	aztables.Entity
	Kind        string `json:"Kind"`
	Actor       string `json:"Actor"`
	Description string `json:"Description"`
	Timestamp   string `json:"Timestamp"`
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSON(data string, v any) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeBoard(b *domain.Board) ([]byte, error) {
	members, err := encodeJSON(b.Members)
	if err != nil {
		return nil, err
	}
	order, err := encodeJSON(b.ListOrder)
	if err != nil {
		return nil, err
	}
	settings, err := encodeJSON(b.Settings)
	if err != nil {
		return nil, err
	}
	return json.Marshal(boardEntity{
		Entity:      aztables.Entity{PartitionKey: b.ID, RowKey: boardRowKey},
		Title:       b.Title,
		Description: b.Description,
		Background:  b.Background,
		Owner:       b.Owner,
		Members:     members,
		ListOrder:   order,
		Settings:    settings,
		CreatedAt:   formatTime(b.CreatedAt),
		UpdatedAt:   formatTime(b.UpdatedAt),
	})
}

func decodeBoard(data []byte) (*domain.Board, error) {
	var ent boardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	b := &domain.Board{
		ID:          ent.PartitionKey,
		Title:       ent.Title,
		Description: ent.Description,
		Background:  ent.Background,
		Owner:       ent.Owner,
		CreatedAt:   parseTime(ent.CreatedAt),
		UpdatedAt:   parseTime(ent.UpdatedAt),
	}
	if err := decodeJSON(ent.Members, &b.Members); err != nil {
		return nil, err
	}
	if err := decodeJSON(ent.ListOrder, &b.ListOrder); err != nil {
		return nil, err
	}
	if err := decodeJSON(ent.Settings, &b.Settings); err != nil {
		return nil, err
	}
	return b, nil
}

func encodeList(l *domain.List) ([]byte, error) {
	order, err := encodeJSON(l.CardOrder)
	if err != nil {
		return nil, err
	}
	return json.Marshal(listEntity{
		Entity:    aztables.Entity{PartitionKey: l.BoardID, RowKey: l.ID},
		Title:     l.Title,
		Position:  l.Position,
		CardOrder: order,
	})
}

func decodeList(data []byte) (*domain.List, error) {
	var ent listEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	l := &domain.List{
		ID:       ent.RowKey,
		BoardID:  ent.PartitionKey,
		Title:    ent.Title,
		Position: ent.Position,
	}
	if err := decodeJSON(ent.CardOrder, &l.CardOrder); err != nil {
		return nil, err
	}
	return l, nil
}

func encodeCard(c *domain.Card) ([]byte, error) {
	members, err := encodeJSON(c.Members)
	if err != nil {
		return nil, err
	}
	labels, err := encodeJSON(c.Labels)
	if err != nil {
		return nil, err
	}
	due := ""
	if c.DueDate != nil {
		due = formatTime(*c.DueDate)
	}
	return json.Marshal(cardEntity{
		Entity:      aztables.Entity{PartitionKey: c.BoardID, RowKey: c.ID},
		ListID:      c.ListID,
		Title:       c.Title,
		Description: c.Description,
		Position:    c.Position,
		Members:     members,
		Labels:      labels,
		DueDate:     due,
	})
}

func decodeCard(data []byte) (*domain.Card, error) {
	var ent cardEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	c := &domain.Card{
		ID:          ent.RowKey,
		BoardID:     ent.PartitionKey,
		ListID:      ent.ListID,
		Title:       ent.Title,
		Description: ent.Description,
		Position:    ent.Position,
	}
	if err := decodeJSON(ent.Members, &c.Members); err != nil {
		return nil, err
	}
	if err := decodeJSON(ent.Labels, &c.Labels); err != nil {
		return nil, err
	}
	if ent.DueDate != "" {
		due := parseTime(ent.DueDate)
		c.DueDate = &due
	}
	return c, nil
}

// GetBoard retrieves a board if present.
func (s *Storage) GetBoard(ctx context.Context, boardID string) (*domain.Board, error) {
	ent, err := s.boardTable.GetEntity(ctx, boardID, boardRowKey, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeBoard(ent.Value)
}

func (s *Storage) InsertBoard(ctx context.Context, b *domain.Board) error {
	payload, err := encodeBoard(b)
	if err == nil {
		_, err = s.boardTable.AddEntity(ctx, payload, nil)
	}
	return err
}

func (s *Storage) UpdateBoard(ctx context.Context, b *domain.Board) error {
	payload, err := encodeBoard(b)
	if err == nil {
		_, err = s.boardTable.UpsertEntity(ctx, payload, nil)
	}
	return err
}

func (s *Storage) DeleteBoard(ctx context.Context, boardID string) error {
	_, err := s.boardTable.DeleteEntity(ctx, boardID, boardRowKey, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

func (s *Storage) GetList(ctx context.Context, boardID, listID string) (*domain.List, error) {
	ent, err := s.listTable.GetEntity(ctx, boardID, listID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeList(ent.Value)
}

// FindList locates a list without knowing its board, for routes addressed
// by list id alone. Cross-partition scan; callers re-read under the board
// lock once the board is known.
func (s *Storage) FindList(ctx context.Context, listID string) (*domain.List, error) {
	filter := "RowKey eq '" + listID + "'"
	pager := s.listTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			return decodeList(e)
		}
	}
	return nil, nil
}

func (s *Storage) InsertList(ctx context.Context, l *domain.List) error {
	payload, err := encodeList(l)
	if err == nil {
		_, err = s.listTable.AddEntity(ctx, payload, nil)
	}
	return err
}

func (s *Storage) UpdateList(ctx context.Context, l *domain.List) error {
	payload, err := encodeList(l)
	if err == nil {
		_, err = s.listTable.UpsertEntity(ctx, payload, nil)
	}
	return err
}

func (s *Storage) DeleteList(ctx context.Context, boardID, listID string) error {
	_, err := s.listTable.DeleteEntity(ctx, boardID, listID, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// ListsForBoard retrieves all lists for the given board.
func (s *Storage) ListsForBoard(ctx context.Context, boardID string) ([]domain.List, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.listTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	lists := []domain.List{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			l, err := decodeList(e)
			if err != nil {
				return nil, err
			}
			lists = append(lists, *l)
		}
	}
	return lists, nil
}

func (s *Storage) GetCard(ctx context.Context, boardID, cardID string) (*domain.Card, error) {
	ent, err := s.cardTable.GetEntity(ctx, boardID, cardID, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return decodeCard(ent.Value)
}

func (s *Storage) FindCard(ctx context.Context, cardID string) (*domain.Card, error) {
	filter := "RowKey eq '" + cardID + "'"
	pager := s.cardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			return decodeCard(e)
		}
	}
	return nil, nil
}

func (s *Storage) InsertCard(ctx context.Context, c *domain.Card) error {
	payload, err := encodeCard(c)
	if err == nil {
		_, err = s.cardTable.AddEntity(ctx, payload, nil)
	}
	return err
}

func (s *Storage) UpdateCard(ctx context.Context, c *domain.Card) error {
	payload, err := encodeCard(c)
	if err == nil {
		_, err = s.cardTable.UpsertEntity(ctx, payload, nil)
	}
	return err
}

func (s *Storage) DeleteCard(ctx context.Context, boardID, cardID string) error {
	_, err := s.cardTable.DeleteEntity(ctx, boardID, cardID, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// CardsForBoard retrieves every card on the board in one partition query.
func (s *Storage) CardsForBoard(ctx context.Context, boardID string) ([]domain.Card, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.cardTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	cards := []domain.Card{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			c, err := decodeCard(e)
			if err != nil {
				return nil, err
			}
			cards = append(cards, *c)
		}
	}
	return cards, nil
}

// BoardIDsForUser lists the boards a user belongs to via the
// user-partitioned membership rows.
func (s *Storage) BoardIDsForUser(ctx context.Context, userID string) ([]string, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.membershipTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	ids := []string{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent aztables.Entity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			ids = append(ids, ent.RowKey)
		}
	}
	return ids, nil
}

func (s *Storage) PutMembership(ctx context.Context, userID, boardID string) error {
	payload, err := json.Marshal(aztables.Entity{PartitionKey: userID, RowKey: boardID})
	if err == nil {
		_, err = s.membershipTable.UpsertEntity(ctx, payload, nil)
	}
	return err
}

func (s *Storage) DeleteMembership(ctx context.Context, userID, boardID string) error {
	_, err := s.membershipTable.DeleteEntity(ctx, userID, boardID, nil)
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// AppendActivity stores one activity entry. Row keys are zero-padded
// nanosecond timestamps so a partition scan returns chronological order.
func (s *Storage) AppendActivity(ctx context.Context, boardID string, entry domain.Activity) error {
	rk := fmt.Sprintf("%020d", entry.Timestamp.UnixNano())
	payload, err := json.Marshal(activityEntity{
		Entity:      aztables.Entity{PartitionKey: boardID, RowKey: rk},
		Kind:        entry.Kind,
		Actor:       entry.Actor,
		Description: entry.Description,
		Timestamp:   formatTime(entry.Timestamp),
	})
	if err == nil {
		_, err = s.activityTable.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// ActivityForBoard returns the board's activity entries oldest first,
// trimmed to the last limit entries when limit > 0.
func (s *Storage) ActivityForBoard(ctx context.Context, boardID string, limit int) ([]domain.Activity, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	pager := s.activityTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	entries := []domain.Activity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent activityEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			entries = append(entries, domain.Activity{
				Kind:        ent.Kind,
				Actor:       ent.Actor,
				Description: ent.Description,
				Timestamp:   parseTime(ent.Timestamp),
			})
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
