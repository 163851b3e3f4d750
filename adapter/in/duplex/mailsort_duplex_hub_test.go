package duplex

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/in"
	"mailsort_daemon/core/port/out"
)

// stubStore serves canned listings.
type stubStore struct {
	recent     []*domain.MessageRecord
	categories []domain.Category
}

func (s *stubStore) InsertIfAbsent(context.Context, *domain.MessageRecord) (bool, error) {
	return false, nil
}
func (s *stubStore) Get(context.Context, string) (*domain.MessageRecord, error) {
	return nil, errors.New("not found")
}
func (s *stubStore) Exists(context.Context, string) (bool, error)               { return false, nil }
func (s *stubStore) UpdateClassification(context.Context, string, string, float64) error {
	return nil
}
func (s *stubStore) MarkTransferred(context.Context, string) error       { return nil }
func (s *stubStore) MarkTransferredBulk(context.Context, []string) error { return nil }
func (s *stubStore) ClearTransferred(context.Context) (int64, error)     { return 0, nil }
func (s *stubStore) ListByFolder(context.Context, string) ([]*domain.MessageRecord, error) {
	return nil, nil
}
func (s *stubStore) ListByCategory(context.Context, string) ([]*domain.MessageRecord, error) {
	return nil, nil
}
func (s *stubStore) ListUnclassified(context.Context) ([]*domain.MessageRecord, error) {
	return nil, nil
}
func (s *stubStore) ListRecent(_ context.Context, limit int) ([]*domain.MessageRecord, error) {
	if limit < len(s.recent) {
		return s.recent[:limit], nil
	}
	return s.recent, nil
}
func (s *stubStore) CountByCategory(context.Context) (map[string]int, error) {
	return map[string]int{"Work": 2}, nil
}
func (s *stubStore) Count(context.Context) (int64, error) { return int64(len(s.recent)), nil }
func (s *stubStore) ReplaceCategories(context.Context, []domain.Category) error {
	return nil
}
func (s *stubStore) ListCategories(context.Context) ([]domain.Category, error) {
	return s.categories, nil
}
func (s *stubStore) Close() error { return nil }

// testClient is one fake mail client on the wire.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialHub(t *testing.T, h *Hub) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", h.Addr())
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) read() wireMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read line: %v", err)
	}
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.t.Fatalf("decode line %q: %v", line, err)
	}
	return msg
}

func (c *testClient) write(v interface{}) {
	c.t.Helper()
	buf, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	if _, err := c.conn.Write(append(buf, '\n')); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// expectConnected consumes the greeting and returns the assigned client id.
func (c *testClient) expectConnected() string {
	msg := c.read()
	if msg.Event != out.EventConnected {
		c.t.Fatalf("first message = %+v, want connected event", msg)
	}
	data, _ := msg.Data.(map[string]interface{})
	id, _ := data["clientId"].(string)
	if id == "" {
		c.t.Fatal("connected event missing clientId")
	}
	return id
}

func startHub(t *testing.T, opts Options, store out.MessageStorePort) *Hub {
	t.Helper()
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	if store == nil {
		store = &stubStore{}
	}
	h := New(opts, store, func() in.PipelineCounters {
		return in.PipelineCounters{Imported: 3, Classified: 2}
	})
	if err := h.Start(); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestConnectedGreeting(t *testing.T) {
	h := startHub(t, Options{}, nil)
	c := dialHub(t, h)
	c.expectConnected()

	deadline := time.Now().Add(2 * time.Second)
	for h.ClientCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.ClientCount() != 1 {
		t.Errorf("client count = %d", h.ClientCount())
	}
}

// TestServerRequestRoundTrip drives a server-initiated request and answers
// it from the fake client.
func TestServerRequestRoundTrip(t *testing.T) {
	h := startHub(t, Options{}, nil)
	c := dialHub(t, h)
	c.expectConnected()

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := c.read()
		if req.Action != out.ActionListFolders || req.ID == "" {
			t.Errorf("request = %+v", req)
		}
		ok := true
		c.write(wireMessage{ID: req.ID, OK: &ok, Result: json.RawMessage(`{"folders":[{"folder":"Inbox"}]}`)})
	}()

	raw, err := h.Request(context.Background(), out.ActionListFolders, nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	<-done
	var result struct {
		Folders []struct {
			Folder string `json:"folder"`
		} `json:"folders"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.Folders) != 1 {
		t.Errorf("result = %s (%v)", raw, err)
	}
	if h.PendingCount() != 0 {
		t.Errorf("pending = %d after fulfillment", h.PendingCount())
	}
}

// TestRequestTimeoutClearsPending covers the silent-client case: the call
// fails with the timeout error and the pending table is empty again.
func TestRequestTimeoutClearsPending(t *testing.T) {
	h := startHub(t, Options{RequestTimeout: 100 * time.Millisecond}, nil)
	c := dialHub(t, h)
	c.expectConnected()

	_, err := h.Request(context.Background(), out.ActionListFolders, nil)
	if !errors.Is(err, out.ErrDuplexTimeout) {
		t.Fatalf("err = %v, want ErrDuplexTimeout", err)
	}
	if h.PendingCount() != 0 {
		t.Errorf("pending = %d after timeout", h.PendingCount())
	}
}

func TestRequestWithoutClient(t *testing.T) {
	h := startHub(t, Options{}, nil)
	_, err := h.Request(context.Background(), out.ActionPing, nil)
	if !errors.Is(err, out.ErrDuplexNotConnected) {
		t.Errorf("err = %v, want ErrDuplexNotConnected", err)
	}
}

// TestTokenEmbeddedInOutboundParams checks the configured token rides along
// on server-initiated requests.
func TestTokenEmbeddedInOutboundParams(t *testing.T) {
	h := startHub(t, Options{Token: "s3cret", RequestTimeout: 2 * time.Second}, nil)
	c := dialHub(t, h)
	c.expectConnected()

	go func() {
		req := c.read()
		var params struct {
			Token string `json:"token"`
		}
		json.Unmarshal(req.Params, &params)
		ok := params.Token == "s3cret"
		c.write(wireMessage{ID: req.ID, OK: &ok, Result: json.RawMessage(`{}`)})
	}()

	if _, err := h.Request(context.Background(), out.ActionPing, nil); err != nil {
		t.Errorf("token not embedded: %v", err)
	}
}

// TestInboundActions exercises the client-initiated side: ping, stats and
// the token gate.
func TestInboundActions(t *testing.T) {
	store := &stubStore{
		recent:     []*domain.MessageRecord{{MessageID: "<r1@x>", Folder: "Inbox"}},
		categories: []domain.Category{{Name: "Work"}},
	}
	h := startHub(t, Options{Token: "s3cret"}, store)
	c := dialHub(t, h)
	c.expectConnected()

	// Wrong token is refused.
	c.write(wireMessage{ID: "q1", Action: out.ActionPing, Params: json.RawMessage(`{"token":"wrong"}`)})
	resp := c.read()
	if resp.ID != "q1" || resp.OK == nil || *resp.OK {
		t.Fatalf("unauthorized response = %+v", resp)
	}

	// Correct token gets pong.
	c.write(wireMessage{ID: "q2", Action: out.ActionPing, Params: json.RawMessage(`{"token":"s3cret"}`)})
	resp = c.read()
	if resp.OK == nil || !*resp.OK {
		t.Fatalf("ping response = %+v", resp)
	}

	// Stats carries the pipeline counters.
	c.write(wireMessage{ID: "q3", Action: "stats", Params: json.RawMessage(`{"token":"s3cret"}`)})
	resp = c.read()
	if resp.OK == nil || !*resp.OK {
		t.Fatalf("stats response = %+v", resp)
	}
	var stats struct {
		Counters in.PipelineCounters `json:"counters"`
		Total    int                 `json:"total"`
	}
	if err := json.Unmarshal(resp.Result, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Counters.Imported != 3 || stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// listRecent honors the limit param.
	c.write(wireMessage{ID: "q4", Action: "listRecent", Params: json.RawMessage(`{"token":"s3cret","limit":5}`)})
	resp = c.read()
	if resp.OK == nil || !*resp.OK {
		t.Fatalf("listRecent response = %+v", resp)
	}
}

// TestMalformedLineDropped verifies garbage does not kill the connection.
func TestMalformedLineDropped(t *testing.T) {
	h := startHub(t, Options{}, nil)
	c := dialHub(t, h)
	c.expectConnected()

	c.write("this is not an object")
	c.write(wireMessage{ID: "q1", Action: out.ActionPing})
	resp := c.read()
	if resp.ID != "q1" || resp.OK == nil || !*resp.OK {
		t.Errorf("connection did not survive malformed line: %+v", resp)
	}
}

// TestRequestTargetsNewestClient checks server-initiated requests go to the
// most recently connected client.
func TestRequestTargetsNewestClient(t *testing.T) {
	h := startHub(t, Options{RequestTimeout: 2 * time.Second}, nil)
	c1 := dialHub(t, h)
	c1.expectConnected()
	c2 := dialHub(t, h)
	c2.expectConnected()

	go func() {
		req := c2.read()
		ok := true
		c2.write(wireMessage{ID: req.ID, OK: &ok, Result: json.RawMessage(`{"pong":true}`)})
	}()

	if _, err := h.Request(context.Background(), out.ActionPing, nil); err != nil {
		t.Fatalf("Request: %v", err)
	}

	// The older client saw nothing.
	c1.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := c1.reader.ReadBytes('\n'); err == nil {
		t.Error("request delivered to the older client")
	}
}

// TestBroadcastFanOut checks every client sees the event.
func TestBroadcastFanOut(t *testing.T) {
	h := startHub(t, Options{}, nil)
	c1 := dialHub(t, h)
	c1.expectConnected()
	c2 := dialHub(t, h)
	c2.expectConnected()

	h.Broadcast(out.EventEmailClassified, out.EmailClassifiedEvent{
		MessageID: "<m1@x>", Category: "Work", Confidence: 0.9,
	})

	for _, c := range []*testClient{c1, c2} {
		msg := c.read()
		if msg.Event != out.EventEmailClassified {
			t.Errorf("event = %+v", msg)
		}
	}
}
