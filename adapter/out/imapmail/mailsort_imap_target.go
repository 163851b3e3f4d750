package imapmail

import (
	"context"
	"fmt"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

var _ out.MailTargetPort = (*Target)(nil)

// Target writes folders and messages to one IMAP account. A mutex
// serializes operations: the client multiplexes commands but copy/move
// sequences depend on the selected mailbox.
type Target struct {
	opts Options
	log  zerolog.Logger

	mu  sync.Mutex
	clt *imapclient.Client

	// knownFolders caches folders confirmed to exist so repeat ensures
	// cost nothing.
	knownFolders map[string]bool
}

// NewTarget builds an unconnected target for the account.
func NewTarget(opts Options) *Target {
	return &Target{
		opts:         opts,
		knownFolders: make(map[string]bool),
		log:          logger.For("imap-target"),
	}
}

func (t *Target) Name() string {
	return t.opts.Host
}

// Connect dials, logs in and primes the folder-exists cache.
func (t *Target) Connect(ctx context.Context) error {
	clt, err := Dial(t.opts, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clt = clt

	boxes, err := clt.List("", "*", nil).Collect()
	if err != nil {
		t.log.Warn().Err(err).Msg("priming folder cache failed, ensures will create on demand")
		return nil
	}
	for _, box := range boxes {
		t.knownFolders[box.Mailbox] = true
	}
	return nil
}

func (t *Target) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clt == nil {
		return nil
	}
	defer t.clt.Close()
	if err := t.clt.Logout().Wait(); err != nil {
		t.log.Debug().Err(err).Msg("logout failed, closing anyway")
	}
	t.clt = nil
	return nil
}

func (t *Target) ListFolders(ctx context.Context) ([]domain.FolderSpec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	boxes, err := t.clt.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list folders on %s: %w", t.opts.Host, err)
	}
	specs := make([]domain.FolderSpec, 0, len(boxes))
	for _, box := range boxes {
		specs = append(specs, domain.FolderSpec{Folder: box.Mailbox})
	}
	return specs, nil
}

// CreateFolder ensures the folder exists. Returns true only when this call
// created it; a cached or "already exists" answer is false with no error.
func (t *Target) CreateFolder(ctx context.Context, folder string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ensureFolderLocked(folder)
}

func (t *Target) ensureFolderLocked(folder string) (bool, error) {
	if t.knownFolders[folder] {
		return false, nil
	}
	if err := t.clt.Create(folder, nil).Wait(); err != nil {
		if !isAlreadyExists(err) {
			return false, fmt.Errorf("create folder %s: %w", folder, err)
		}
		t.knownFolders[folder] = true
		return false, nil
	}
	t.knownFolders[folder] = true
	t.log.Info().Str("folder", folder).Msg("created folder")
	return true, nil
}

// DeleteFolder removes the folder; an unknown folder is false, nil.
func (t *Target) DeleteFolder(ctx context.Context, folder string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.clt.Delete(folder).Wait(); err != nil {
		delete(t.knownFolders, folder)
		if isNonexistent(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete folder %s: %w", folder, err)
	}
	delete(t.knownFolders, folder)
	return true, nil
}

// CopyMessage copies by message id. Without raw bytes the message is
// located by header search across folders; finding it already in the
// destination is success without appending, which keeps the operation
// idempotent. With raw bytes (cross-back-end transfer) it appends directly.
func (t *Target) CopyMessage(ctx context.Context, messageID, folder string, raw []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.ensureFolderLocked(folder); err != nil {
		return false, err
	}
	if raw != nil {
		return t.appendLocked(folder, raw)
	}

	loc, err := t.locateLocked(ctx, messageID)
	if err != nil {
		return false, err
	}
	if loc == nil {
		return false, fmt.Errorf("message %s not found on %s", messageID, t.opts.Host)
	}
	if loc.folder == folder {
		return true, nil
	}

	bytes, err := t.fetchRawLocked(loc)
	if err != nil {
		return false, err
	}
	return t.appendLocked(folder, bytes)
}

// MoveMessage moves by message id. Same-server moves use the server's MOVE
// (the client falls back to copy+expunge when the extension is missing).
// With raw bytes it only appends; removal from the origin stays with the
// caller.
func (t *Target) MoveMessage(ctx context.Context, messageID, folder string, raw []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.ensureFolderLocked(folder); err != nil {
		return false, err
	}
	if raw != nil {
		return t.appendLocked(folder, raw)
	}

	loc, err := t.locateLocked(ctx, messageID)
	if err != nil {
		return false, err
	}
	if loc == nil {
		return false, fmt.Errorf("message %s not found on %s", messageID, t.opts.Host)
	}
	if loc.folder == folder {
		return true, nil
	}

	// The locate pass examined loc.folder read-only; MOVE stores flags on
	// the source, which some servers refuse on a read-only selection.
	if _, err := t.clt.Select(loc.folder, nil).Wait(); err != nil {
		return false, fmt.Errorf("reselect %s for move: %w", loc.folder, err)
	}
	var set imap.UIDSet
	set.AddNum(loc.uid)
	if _, err := t.clt.Move(set, folder).Wait(); err != nil {
		return false, fmt.Errorf("move %s to %s: %w", messageID, folder, err)
	}
	return true, nil
}

// location is a folder/uid pair found for a message id.
type location struct {
	folder string
	uid    imap.UID
}

// locateLocked searches every folder for the Message-ID header. Returns
// nil when the id is absent from this server.
func (t *Target) locateLocked(ctx context.Context, messageID string) (*location, error) {
	boxes, err := t.clt.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: messageID}},
	}
	for _, box := range boxes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := t.clt.Select(box.Mailbox, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
			t.log.Debug().Err(err).Str("folder", box.Mailbox).Msg("skipping unselectable folder")
			continue
		}
		data, err := t.clt.UIDSearch(criteria, nil).Wait()
		if err != nil {
			t.log.Debug().Err(err).Str("folder", box.Mailbox).Msg("header search failed")
			continue
		}
		if uids := data.AllUIDs(); len(uids) > 0 {
			return &location{folder: box.Mailbox, uid: uids[0]}, nil
		}
	}
	return nil, nil
}

func (t *Target) fetchRawLocked(loc *location) ([]byte, error) {
	if _, err := t.clt.Select(loc.folder, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, fmt.Errorf("select %s: %w", loc.folder, err)
	}
	var set imap.UIDSet
	set.AddNum(loc.uid)
	msgs, err := t.clt.Fetch(set, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch uid %d in %s: %w", loc.uid, loc.folder, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("uid %d vanished from %s", loc.uid, loc.folder)
	}
	for _, b := range msgs[0].BodySection {
		return b, nil
	}
	return nil, fmt.Errorf("uid %d fetched without body section", loc.uid)
}

func (t *Target) appendLocked(folder string, raw []byte) (bool, error) {
	cmd := t.clt.Append(folder, int64(len(raw)), nil)
	if _, err := cmd.Write(raw); err != nil {
		cmd.Close()
		return false, fmt.Errorf("append to %s: %w", folder, err)
	}
	if err := cmd.Close(); err != nil {
		return false, fmt.Errorf("append to %s: %w", folder, err)
	}
	if _, err := cmd.Wait(); err != nil {
		return false, fmt.Errorf("append to %s: %w", folder, err)
	}
	return true, nil
}

func isNonexistent(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"NONEXISTENT", "does not exist", "no such"} {
		if containsFold(msg, marker) {
			return true
		}
	}
	return false
}
