package realtime

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Router fans committed events out to board rooms. Local subscribers are
// served directly through the hub; the same envelope is published on a
// Redis channel so rooms on other instances receive it too. Each instance
// tags envelopes with its own id and skips them on the way back in.
type Router struct {
	hub      *Hub
	redis    *redis.Client
	channel  string
	instance string
	logger   *log.Logger
}

func NewRouter(hub *Hub, client *redis.Client, channel string, logger *log.Logger) *Router {
	if hub == nil {
		panic("realtime.NewRouter: hub is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Router{
		hub:      hub,
		redis:    client,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// Publish delivers the event to the board room, excluding the originating
// connection, and relays it to the other instances. Events for a room with
// no local members still travel the channel.
func (r *Router) Publish(ctx context.Context, boardID, kind, actor string, payload any, originConn string) {
	data, err := sonic.Marshal(payload)
	if err != nil {
		r.logger.WithFields(log.Fields{"board": boardID, "type": kind, "error": err}).
			Error("event payload marshal failed")
		return
	}

	r.hub.Broadcast(boardID, OutgoingMessage{Type: kind, BoardID: boardID, Actor: actor, Data: payload}, originConn)

	if r.redis == nil {
		return
	}
	env := envelope{
		Instance: r.instance,
		BoardID:  boardID,
		Type:     kind,
		Actor:    actor,
		Origin:   originConn,
		Data:     data,
	}
	raw, err := sonic.Marshal(env)
	if err != nil {
		r.logger.WithFields(log.Fields{"board": boardID, "type": kind, "error": err}).
			Error("event envelope marshal failed")
		return
	}
	if err := r.redis.Publish(ctx, r.channel, raw).Err(); err != nil {
		r.logger.WithFields(log.Fields{"board": boardID, "type": kind, "error": err}).
			Error("event relay publish failed")
	}
}

// Run consumes the Redis events channel and replays envelopes from other
// instances into the local hub. It reconnects with a delay until ctx ends.
func (r *Router) Run(ctx context.Context) {
	if r.redis == nil {
		return
	}
	for {
		sub := r.redis.Subscribe(ctx, r.channel)
		ch := sub.Channel()
	receive:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive
				}
				r.handleEnvelope(msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		r.logger.Error("events channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (r *Router) handleEnvelope(payload string) {
	var env envelope
	if err := sonic.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Errorf("unable to parse event envelope: %v", err)
		return
	}
	if env.Instance == r.instance {
		// Our own relay; local subscribers already got it.
		return
	}
	var data any
	if len(env.Data) > 0 {
		if err := sonic.Unmarshal(env.Data, &data); err != nil {
			r.logger.Errorf("unable to parse event payload: %v", err)
			return
		}
	}
	r.hub.Broadcast(env.BoardID, OutgoingMessage{Type: env.Type, BoardID: env.BoardID, Actor: env.Actor, Data: data}, env.Origin)
}
