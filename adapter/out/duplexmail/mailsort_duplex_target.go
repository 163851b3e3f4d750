package duplexmail

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

var _ out.MailTargetPort = (*Target)(nil)

// Target proxies folder and message operations to the cooperating client.
// The raw argument of copy/move is ignored: the client performs a native
// copy or move using its own notion of message identity.
//
// The logical account selector is resolved to the client's internal account
// id once via a list-accounts query and cached for the connection.
type Target struct {
	req      out.DuplexRequesterPort
	selector domain.AccountSelector
	log      zerolog.Logger

	mu        sync.Mutex
	accountID string
}

// NewTarget builds a target for the given account selector.
func NewTarget(req out.DuplexRequesterPort, selector domain.AccountSelector) *Target {
	return &Target{req: req, selector: selector, log: logger.For("duplex-target")}
}

func (t *Target) Name() string {
	return "duplex:" + string(t.selector)
}

// Connect resolves the account selector against the client's account list.
func (t *Target) Connect(ctx context.Context) error {
	if !t.req.Connected() {
		return out.ErrDuplexNotConnected
	}
	_, err := t.account(ctx)
	return err
}

func (t *Target) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accountID = ""
	return nil
}

// account resolves and caches the client-internal account id. "local" picks
// the client's local-folders account, "imap" the first server account, and
// anything else must match an account id exactly.
func (t *Target) account(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.accountID != "" {
		return t.accountID, nil
	}

	raw, err := t.req.Request(ctx, out.ActionListAccounts, nil)
	if err != nil {
		return "", fmt.Errorf("list accounts: %w", err)
	}
	var result struct {
		Accounts []out.DuplexAccount `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decode account list: %w", err)
	}

	for _, acct := range result.Accounts {
		switch t.selector {
		case domain.AccountLocal:
			if acct.Type == "local" {
				t.accountID = acct.ID
			}
		case domain.AccountIMAP:
			if acct.Type == "imap" {
				t.accountID = acct.ID
			}
		default:
			if acct.ID == string(t.selector) {
				t.accountID = acct.ID
			}
		}
		if t.accountID != "" {
			t.log.Debug().Str("selector", string(t.selector)).Str("account", t.accountID).
				Msg("resolved account")
			return t.accountID, nil
		}
	}
	return "", fmt.Errorf("no client account matches selector %q", t.selector)
}

func (t *Target) ListFolders(ctx context.Context) ([]domain.FolderSpec, error) {
	accountID, err := t.account(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := t.req.Request(ctx, out.ActionListFolders, map[string]interface{}{
		"accountId": accountID,
	})
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	var result struct {
		Folders []struct {
			Folder string `json:"folder"`
		} `json:"folders"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode folder list: %w", err)
	}
	specs := make([]domain.FolderSpec, len(result.Folders))
	for i, f := range result.Folders {
		specs[i] = domain.FolderSpec{Folder: f.Folder}
	}
	return specs, nil
}

func (t *Target) CreateFolder(ctx context.Context, folder string) (bool, error) {
	var result struct {
		Created bool `json:"created"`
	}
	if err := t.call(ctx, out.ActionCreateFolder, map[string]interface{}{"folder": folder}, &result); err != nil {
		return false, fmt.Errorf("create folder %s: %w", folder, err)
	}
	return result.Created, nil
}

func (t *Target) DeleteFolder(ctx context.Context, folder string) (bool, error) {
	var result struct {
		Deleted bool `json:"deleted"`
	}
	if err := t.call(ctx, out.ActionDeleteFolder, map[string]interface{}{"folder": folder}, &result); err != nil {
		return false, fmt.Errorf("delete folder %s: %w", folder, err)
	}
	return result.Deleted, nil
}

func (t *Target) CopyMessage(ctx context.Context, messageID, folder string, _ []byte) (bool, error) {
	return t.batchOp(ctx, out.ActionCopyMessages, messageID, folder)
}

func (t *Target) MoveMessage(ctx context.Context, messageID, folder string, _ []byte) (bool, error) {
	return t.batchOp(ctx, out.ActionMoveMessages, messageID, folder)
}

// batchOp sends one-element move/copy batches; the wire shape takes a list
// so the client can coalesce.
func (t *Target) batchOp(ctx context.Context, action, messageID, folder string) (bool, error) {
	var result struct {
		OK bool `json:"ok"`
	}
	err := t.call(ctx, action, map[string]interface{}{
		"messageIds": []string{messageID},
		"folder":     folder,
	}, &result)
	if err != nil {
		return false, fmt.Errorf("%s %s to %s: %w", action, messageID, folder, err)
	}
	return result.OK, nil
}

// call resolves the account, sends the request with the account id stitched
// into params, and decodes the result.
func (t *Target) call(ctx context.Context, action string, params map[string]interface{}, result interface{}) error {
	accountID, err := t.account(ctx)
	if err != nil {
		return err
	}
	params["accountId"] = accountID

	raw, err := t.req.Request(ctx, action, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", action, err)
	}
	return nil
}
