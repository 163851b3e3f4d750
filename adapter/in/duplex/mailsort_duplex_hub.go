// Package duplex implements the daemon side of the duplex channel: a
// loopback TCP endpoint speaking newline-delimited JSON with at most a few
// cooperating mail clients. The same connection carries requests in both
// directions plus server-initiated events.
package duplex

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailsort_daemon/core/port/in"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

var (
	_ out.DuplexRequesterPort = (*Hub)(nil)
	_ out.EventPort           = (*Hub)(nil)
)

// maxLineBytes bounds one NDJSON line. Messages carry metadata and bodies
// trimmed by the client, never full raw mail.
const maxLineBytes = 4 << 20

// wireMessage is the union of the three NDJSON shapes: request
// {id, action, params}, response {id, ok, result|error} and event
// {event, data}. The populated fields decide which one a line is.
type wireMessage struct {
	ID     string          `json:"id,omitempty"`
	Action string          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	Event string      `json:"event,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Options configures the hub.
type Options struct {
	// Addr is the listen address; bind loopback, that is the transport
	// security model.
	Addr string

	// Token, when set, is embedded in outbound request params and required
	// on inbound requests.
	Token string

	// RequestTimeout bounds a server-initiated request awaiting its
	// response.
	RequestTimeout time.Duration
}

// Hub accepts client connections and owns the pending-request table.
type Hub struct {
	opts     Options
	store    out.MessageStorePort
	counters func() in.PipelineCounters
	log      zerolog.Logger

	mu       sync.Mutex
	ln       net.Listener
	clients  map[string]*client
	activeID string
	pending  map[string]chan wireMessage
	closed   bool

	wg sync.WaitGroup
}

type client struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex
}

// New builds a hub serving stats from the counters func and listings from
// the store.
func New(opts Options, store out.MessageStorePort, counters func() in.PipelineCounters) *Hub {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if counters == nil {
		counters = func() in.PipelineCounters { return in.PipelineCounters{} }
	}
	return &Hub{
		opts:     opts,
		store:    store,
		counters: counters,
		clients:  make(map[string]*client),
		pending:  make(map[string]chan wireMessage),
		log:      logger.For("duplex"),
	}
}

// SetCounters swaps the stats source. The hub starts before the pipeline
// exists, so the wiring installs the real counters afterwards.
func (h *Hub) SetCounters(counters func() in.PipelineCounters) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if counters != nil {
		h.counters = counters
	}
}

// Start binds the listener and begins accepting.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", h.opts.Addr, err)
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

	h.wg.Add(1)
	go h.acceptLoop(ln)
	h.log.Info().Str("addr", ln.Addr().String()).Msg("duplex channel listening")
	return nil
}

// Addr returns the bound address, useful when the port was 0.
func (h *Hub) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// Stop closes the listener and every connection, and fails all waiters.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	ln := h.ln
	conns := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	h.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}
	h.wg.Wait()
	h.log.Info().Msg("duplex channel stopped")
}

// Connected reports whether at least one client is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients) > 0
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ============================================================================
// Outbound requests
// ============================================================================

// Request sends the action to the most recently connected client and awaits
// the matching response. After the request timeout the pending entry is
// dropped and the call fails with ErrDuplexTimeout; a late response is then
// discarded.
func (h *Hub) Request(ctx context.Context, action string, params map[string]interface{}) (json.RawMessage, error) {
	h.mu.Lock()
	target := h.clients[h.activeID]
	if target == nil {
		for _, c := range h.clients {
			target = c
			break
		}
	}
	if target == nil {
		h.mu.Unlock()
		return nil, out.ErrDuplexNotConnected
	}
	id := uuid.NewString()
	waiter := make(chan wireMessage, 1)
	h.pending[id] = waiter
	h.mu.Unlock()

	if params == nil {
		params = make(map[string]interface{})
	}
	if h.opts.Token != "" {
		params["token"] = h.opts.Token
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		h.dropPending(id)
		return nil, fmt.Errorf("encode %s params: %w", action, err)
	}
	if err := h.send(target, &wireMessage{ID: id, Action: action, Params: rawParams}); err != nil {
		h.dropPending(id)
		return nil, fmt.Errorf("send %s: %w", action, err)
	}

	timer := time.NewTimer(h.opts.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, out.ErrDuplexNotConnected
		}
		if resp.OK == nil || !*resp.OK {
			return nil, fmt.Errorf("client refused %s: %s", action, resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		h.dropPending(id)
		return nil, out.ErrDuplexTimeout
	case <-ctx.Done():
		h.dropPending(id)
		return nil, ctx.Err()
	}
}

func (h *Hub) dropPending(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

// PendingCount returns the number of outstanding server-initiated requests.
func (h *Hub) PendingCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// ============================================================================
// Events
// ============================================================================

// Broadcast fans the event out to every client. Write failures drop the
// client; the caller is never blocked on a slow consumer beyond one line
// write.
func (h *Hub) Broadcast(event string, data interface{}) {
	h.mu.Lock()
	conns := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	msg := &wireMessage{Event: event, Data: data}
	for _, c := range conns {
		if err := h.send(c, msg); err != nil {
			h.log.Warn().Err(err).Str("client", c.id).Msg("dropping client on write failure")
			h.removeClient(c)
		}
	}
}

// ============================================================================
// Connection handling
// ============================================================================

func (h *Hub) acceptLoop(ln net.Listener) {
	defer h.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		c := &client{id: uuid.NewString(), conn: conn}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.clients[c.id] = c
		h.activeID = c.id
		h.mu.Unlock()

		h.log.Info().Str("client", c.id).Str("remote", conn.RemoteAddr().String()).
			Msg("client connected")
		if err := h.send(c, &wireMessage{Event: out.EventConnected, Data: map[string]string{"clientId": c.id}}); err != nil {
			h.removeClient(c)
			continue
		}

		h.wg.Add(1)
		go h.readLoop(c)
	}
}

func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.Warn().Err(err).Str("client", c.id).Msg("dropping malformed line")
			continue
		}
		switch {
		case msg.Action != "":
			h.handleRequest(c, &msg)
		case msg.ID != "" && msg.OK != nil:
			h.fulfill(&msg)
		default:
			h.log.Warn().Str("client", c.id).Msg("dropping unroutable message")
		}
	}
	if err := scanner.Err(); err != nil {
		h.log.Debug().Err(err).Str("client", c.id).Msg("connection closed")
	}
}

// fulfill routes a client response to its waiter. Late responses for
// timed-out requests fall through silently.
func (h *Hub) fulfill(msg *wireMessage) {
	h.mu.Lock()
	waiter, ok := h.pending[msg.ID]
	if ok {
		delete(h.pending, msg.ID)
	}
	h.mu.Unlock()
	if !ok {
		h.log.Debug().Str("id", msg.ID).Msg("discarding late response")
		return
	}
	waiter <- *msg
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	_, present := h.clients[c.id]
	delete(h.clients, c.id)
	if h.activeID == c.id {
		h.activeID = ""
		for id := range h.clients {
			h.activeID = id
			break
		}
	}
	h.mu.Unlock()
	if present {
		c.conn.Close()
		h.log.Info().Str("client", c.id).Msg("client disconnected")
	}
}

// send writes one NDJSON line. The per-client write lock keeps concurrent
// broadcasts and responses from interleaving bytes.
func (h *Hub) send(c *client, msg *wireMessage) error {
	buf, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	buf = append(buf, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err = c.conn.Write(buf)
	return err
}
