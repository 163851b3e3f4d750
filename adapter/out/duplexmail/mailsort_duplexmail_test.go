package duplexmail

import (
	"context"
	"errors"
	"testing"

	json "github.com/goccy/go-json"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
)

// fakeRequester records requests and answers from a per-action script.
type fakeRequester struct {
	connected bool
	results   map[string]string // action -> JSON result
	errs      map[string]error
	calls     []recordedCall
}

type recordedCall struct {
	action string
	params map[string]interface{}
}

func (f *fakeRequester) Connected() bool { return f.connected }

func (f *fakeRequester) Request(_ context.Context, action string, params map[string]interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, recordedCall{action: action, params: params})
	if err, ok := f.errs[action]; ok {
		return nil, err
	}
	res, ok := f.results[action]
	if !ok {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(res), nil
}

func (f *fakeRequester) countAction(action string) int {
	n := 0
	for _, c := range f.calls {
		if c.action == action {
			n++
		}
	}
	return n
}

const accountsJSON = `{"accounts":[
	{"id":"acct-local-1","name":"Local Folders","type":"local"},
	{"id":"acct-imap-7","name":"mail.example.org","type":"imap"}
]}`

// ============================================================================
// Source
// ============================================================================

func TestSourceBulkNotSupported(t *testing.T) {
	s := NewSource(&fakeRequester{connected: true})
	_, err := s.ReadMessages(context.Background(), domain.FolderSpec{Folder: "Inbox"}, out.ReadOptions{})
	if !errors.Is(err, out.ErrBulkNotSupported) {
		t.Errorf("err = %v, want ErrBulkNotSupported", err)
	}
}

func TestSourceGetMessage(t *testing.T) {
	req := &fakeRequester{connected: true, results: map[string]string{
		out.ActionGetMessage: `{"message_id":"<m1@x>","folder":"Inbox","subject":"hi","sender":"a@x"}`,
	}}
	s := NewSource(req)

	env, err := s.GetMessage(context.Background(), "<m1@x>")
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if env.Subject != "hi" || env.Folder != "Inbox" {
		t.Errorf("envelope = %+v", env)
	}
	if env.Source != domain.SourceDuplex {
		t.Errorf("source tag = %q", env.Source)
	}
	if got := req.calls[0].params["messageId"]; got != "<m1@x>" {
		t.Errorf("request params = %v", req.calls[0].params)
	}
}

func TestSourceListFolders(t *testing.T) {
	req := &fakeRequester{connected: true, results: map[string]string{
		out.ActionListFolders: `{"folders":[{"server":"mail.example.org","folder":"Inbox"},{"folder":"Local/Archive"}]}`,
	}}
	s := NewSource(req)

	specs, err := s.ListFolders(context.Background())
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if len(specs) != 2 || specs[0].Server != "mail.example.org" || specs[1].Folder != "Local/Archive" {
		t.Errorf("specs = %v", specs)
	}
}

func TestSourceConnectRequiresClient(t *testing.T) {
	s := NewSource(&fakeRequester{connected: false})
	if err := s.Connect(context.Background()); !errors.Is(err, out.ErrDuplexNotConnected) {
		t.Errorf("err = %v, want ErrDuplexNotConnected", err)
	}
}

// ============================================================================
// Target
// ============================================================================

func TestTargetResolvesSelector(t *testing.T) {
	tests := []struct {
		selector domain.AccountSelector
		want     string
	}{
		{domain.AccountLocal, "acct-local-1"},
		{domain.AccountIMAP, "acct-imap-7"},
		{domain.AccountSelector("acct-imap-7"), "acct-imap-7"},
	}
	for _, tt := range tests {
		t.Run(string(tt.selector), func(t *testing.T) {
			req := &fakeRequester{connected: true, results: map[string]string{
				out.ActionListAccounts: accountsJSON,
				out.ActionCreateFolder: `{"created":true}`,
			}}
			target := NewTarget(req, tt.selector)
			if err := target.Connect(context.Background()); err != nil {
				t.Fatalf("Connect: %v", err)
			}
			if _, err := target.CreateFolder(context.Background(), "Work"); err != nil {
				t.Fatalf("CreateFolder: %v", err)
			}
			for _, c := range req.calls {
				if c.action == out.ActionCreateFolder {
					if got := c.params["accountId"]; got != tt.want {
						t.Errorf("accountId = %v, want %s", got, tt.want)
					}
				}
			}
		})
	}
}

func TestTargetUnknownSelector(t *testing.T) {
	req := &fakeRequester{connected: true, results: map[string]string{
		out.ActionListAccounts: accountsJSON,
	}}
	target := NewTarget(req, domain.AccountSelector("nope"))
	if err := target.Connect(context.Background()); err == nil {
		t.Error("expected error for unknown account selector")
	}
}

func TestTargetAccountCached(t *testing.T) {
	req := &fakeRequester{connected: true, results: map[string]string{
		out.ActionListAccounts: accountsJSON,
		out.ActionCreateFolder: `{"created":false}`,
		out.ActionMoveMessages: `{"ok":true}`,
	}}
	target := NewTarget(req, domain.AccountLocal)

	ctx := context.Background()
	if err := target.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := target.CreateFolder(ctx, "Work"); err != nil {
		t.Fatal(err)
	}
	if _, err := target.MoveMessage(ctx, "<m1@x>", "Work", []byte("ignored raw")); err != nil {
		t.Fatal(err)
	}
	if n := req.countAction(out.ActionListAccounts); n != 1 {
		t.Errorf("listAccounts calls = %d, want 1 (cached)", n)
	}
}

func TestTargetMoveMessageShape(t *testing.T) {
	req := &fakeRequester{connected: true, results: map[string]string{
		out.ActionListAccounts: accountsJSON,
		out.ActionMoveMessages: `{"ok":true}`,
	}}
	target := NewTarget(req, domain.AccountIMAP)

	ok, err := target.MoveMessage(context.Background(), "<m1@x>", "Work", nil)
	if err != nil || !ok {
		t.Fatalf("MoveMessage = %v, %v", ok, err)
	}
	last := req.calls[len(req.calls)-1]
	if last.action != out.ActionMoveMessages {
		t.Fatalf("last action = %s", last.action)
	}
	ids, _ := last.params["messageIds"].([]string)
	if len(ids) != 1 || ids[0] != "<m1@x>" || last.params["folder"] != "Work" {
		t.Errorf("params = %v", last.params)
	}
}

func TestTargetTimeoutPropagates(t *testing.T) {
	req := &fakeRequester{
		connected: true,
		results:   map[string]string{out.ActionListAccounts: accountsJSON},
		errs:      map[string]error{out.ActionDeleteFolder: out.ErrDuplexTimeout},
	}
	target := NewTarget(req, domain.AccountLocal)

	_, err := target.DeleteFolder(context.Background(), "Old")
	if !errors.Is(err, out.ErrDuplexTimeout) {
		t.Errorf("err = %v, want ErrDuplexTimeout", err)
	}
}
