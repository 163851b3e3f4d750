// Package duplexmail adapts the duplex channel to the mail source and
// target ports. Every operation is proxied to the cooperating mail client;
// the daemon never touches the client's mail store directly.
package duplexmail

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/core/port/out"
	"mailsort_daemon/pkg/logger"
)

var (
	_ out.MailSourcePort = (*Source)(nil)
	_ out.MessageGetter  = (*Source)(nil)
)

// Source is the duplex-channel mail source. It supports point lookups and
// folder listing only; bulk streaming stays with the cache and IMAP
// sources.
type Source struct {
	req out.DuplexRequesterPort
	log zerolog.Logger
}

// NewSource builds a source over the requester.
func NewSource(req out.DuplexRequesterPort) *Source {
	return &Source{req: req, log: logger.For("duplex-source")}
}

func (s *Source) Name() string { return "duplex" }

// Connect verifies a client is answering.
func (s *Source) Connect(ctx context.Context) error {
	if !s.req.Connected() {
		return out.ErrDuplexNotConnected
	}
	if _, err := s.req.Request(ctx, out.ActionPing, nil); err != nil {
		return fmt.Errorf("ping duplex client: %w", err)
	}
	return nil
}

func (s *Source) Disconnect() error { return nil }

// ListFolders asks the client for its folder list across all accounts.
func (s *Source) ListFolders(ctx context.Context) ([]domain.FolderSpec, error) {
	raw, err := s.req.Request(ctx, out.ActionListFolders, nil)
	if err != nil {
		return nil, fmt.Errorf("list folders via duplex: %w", err)
	}
	var result struct {
		Folders []struct {
			Server string `json:"server"`
			Folder string `json:"folder"`
		} `json:"folders"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode folder list: %w", err)
	}
	specs := make([]domain.FolderSpec, len(result.Folders))
	for i, f := range result.Folders {
		specs[i] = domain.FolderSpec{Server: f.Server, Folder: f.Folder}
	}
	return specs, nil
}

// ReadMessages is not supported: the duplex client exposes no bulk stream.
func (s *Source) ReadMessages(context.Context, domain.FolderSpec, out.ReadOptions) (out.MessageIter, error) {
	return nil, out.ErrBulkNotSupported
}

// GetMessage fetches one message by id from the client.
func (s *Source) GetMessage(ctx context.Context, messageID string) (*domain.Envelope, error) {
	raw, err := s.req.Request(ctx, out.ActionGetMessage, map[string]interface{}{
		"messageId": messageID,
	})
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", messageID, err)
	}
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", messageID, err)
	}
	if env.MessageID == "" {
		env.MessageID = messageID
	}
	env.Source = domain.SourceDuplex
	return &env, nil
}
