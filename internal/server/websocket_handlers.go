package server

import (
	"context"
	"encoding/json"
	"errors"

	"fireframe/internal/middleware"
	"fireframe/internal/models"
	"fireframe/internal/notifications"
	"fireframe/internal/posts"
	"fireframe/internal/provider"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

const localFeedFilter = "feedFilter"

// FeedUpgrade validates the feed request before the websocket handshake so
// bad filters get a plain HTTP error.
func (s *Server) FeedUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	filter := c.Query("filter")
	if _, _, err := provider.ParseFilter(filter); err != nil {
		return models.RespondWithError(c, fiber.StatusBadRequest, models.NewValidationError(err.Error()))
	}
	c.Locals(localFeedFilter, filter)
	return c.Next()
}

// FeedWebsocketHandler handles GET /api/ws/feed. The viewer first receives
// the current feed, narrowed by the optional filter, then every matching
// change event.
func (s *Server) FeedWebsocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		viewerID, _ := conn.Locals(middleware.LocalUserID).(string)
		filter, _ := conn.Locals(localFeedFilter).(string)
		sub := provider.Subscription{Table: posts.Table, Filter: filter}

		initial, err := notifications.InitialLoadMessage(matchingPosts(s.state.PostStore.Snapshot().Posts, sub))
		if err == nil {
			var client *notifications.Client
			client, err = s.feed.Register(viewerID, conn, sub, initial)
			if err == nil {
				go client.WritePump()
				client.ReadPump()
				return
			}
		}

		if errors.Is(err, notifications.ErrViewerLimitReached) || errors.Is(err, notifications.ErrServerLimitReached) {
			s.log.WarnContext(context.Background(), "feed connection rejected", "viewer", viewerID, "error", err.Error())
		}
		msg, _ := json.Marshal(models.ErrorResponse{Error: err.Error()})
		_ = conn.WriteMessage(websocket.TextMessage, msg)
		_ = conn.Close()
	})
}

// matchingPosts keeps the posts a subscription would have been sent had
// they been inserted now.
func matchingPosts(list []models.Post, sub provider.Subscription) []models.Post {
	if sub.Filter == "" {
		return list
	}
	out := make([]models.Post, 0, len(list))
	for _, p := range list {
		raw, err := json.Marshal(models.PostToRow(p))
		if err != nil {
			continue
		}
		ev := provider.ChangeEvent{EventType: provider.EventInsert, Schema: provider.DefaultSchema, Table: sub.Table, New: raw}
		if ok, err := sub.Matches(ev); err == nil && ok {
			out = append(out, p)
		}
	}
	return out
}
