package duplex

import (
	"context"
	"time"

	json "github.com/goccy/go-json"

	"mailsort_daemon/core/port/out"
)

// handlerTimeout bounds one inbound action against the store.
const handlerTimeout = 10 * time.Second

// defaultRecentLimit is the listRecent cap when the client sends none.
const defaultRecentLimit = 20

// handleRequest serves a client-initiated action and writes the response on
// the same connection.
func (h *Hub) handleRequest(c *client, msg *wireMessage) {
	log := h.log.With().Str("client", c.id).Str("action", msg.Action).Str("id", msg.ID).Logger()

	if !h.authorized(msg.Params) {
		log.Warn().Msg("rejecting request without valid token")
		h.respondErr(c, msg.ID, "unauthorized")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var (
		result interface{}
		err    error
	)
	switch msg.Action {
	case out.ActionPing:
		result = map[string]interface{}{"pong": true, "clientId": c.id}
	case "listRecent":
		result, err = h.listRecent(ctx, msg.Params)
	case "listCategories", out.ActionListFolders:
		// The daemon's folder knowledge is its category set.
		result, err = h.listCategories(ctx)
	case "stats":
		result, err = h.stats(ctx)
	default:
		log.Warn().Msg("unknown action")
		h.respondErr(c, msg.ID, "unknown action: "+msg.Action)
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("action failed")
		h.respondErr(c, msg.ID, err.Error())
		return
	}
	h.respond(c, msg.ID, result)
}

// authorized checks the configured token against the request params. With
// no token configured everything on the loopback socket is trusted.
func (h *Hub) authorized(params json.RawMessage) bool {
	if h.opts.Token == "" {
		return true
	}
	var p struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return false
	}
	return p.Token == h.opts.Token
}

func (h *Hub) listRecent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	limit := defaultRecentLimit
	if len(params) > 0 {
		var p struct {
			Limit int `json:"limit"`
		}
		if err := json.Unmarshal(params, &p); err == nil && p.Limit > 0 {
			limit = p.Limit
		}
	}
	records, err := h.store.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messages": records}, nil
}

func (h *Hub) listCategories(ctx context.Context) (interface{}, error) {
	categories, err := h.store.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"categories": categories}, nil
}

func (h *Hub) stats(ctx context.Context) (interface{}, error) {
	total, err := h.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	byCategory, err := h.store.CountByCategory(ctx)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	counters := h.counters
	h.mu.Unlock()
	return map[string]interface{}{
		"counters":    counters(),
		"total":       total,
		"by_category": byCategory,
		"clients":     h.ClientCount(),
	}, nil
}

func (h *Hub) respond(c *client, id string, result interface{}) {
	ok := true
	raw, err := json.Marshal(result)
	if err != nil {
		h.respondErr(c, id, "encode result: "+err.Error())
		return
	}
	if err := h.send(c, &wireMessage{ID: id, OK: &ok, Result: raw}); err != nil {
		h.removeClient(c)
	}
}

func (h *Hub) respondErr(c *client, id, message string) {
	ok := false
	if err := h.send(c, &wireMessage{ID: id, OK: &ok, Error: message}); err != nil {
		h.removeClient(c)
	}
}
