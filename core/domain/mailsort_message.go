package domain

import (
	"net/textproto"
	"time"
)

// =============================================================================
// Source Tags
// =============================================================================

// SourceTag identifies which back-end an envelope was read from.
type SourceTag string

const (
	// SourceLocal is the on-disk mbox cache of a mail client profile.
	SourceLocal SourceTag = "local"

	// SourceRemote is a remote IMAP server.
	SourceRemote SourceTag = "remote"

	// SourceDuplex is the duplex channel to a cooperating mail client.
	SourceDuplex SourceTag = "duplex"
)

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the in-flight representation of one message as it moves
// through the pipeline. Headers are keyed by canonical MIME header name.
type Envelope struct {
	MessageID string              `json:"message_id"`
	Folder    string              `json:"folder"`
	Subject   string              `json:"subject"`
	Sender    string              `json:"sender"`
	BodyText  string              `json:"body_text"`
	Source    SourceTag           `json:"source"`
	SourceRef string              `json:"source_ref"`
	Headers   map[string][]string `json:"headers,omitempty"`

	// Raw is populated only when a cross-back-end move/copy is anticipated.
	Raw []byte `json:"-"`
}

// Header returns the first value of the named header, looked up
// case-insensitively. Returns "" when the header is absent.
func (e *Envelope) Header(name string) string {
	vals, ok := e.HeaderValues(name)
	if !ok || len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// HeaderValues returns all values of the named header and whether the
// header is present at all.
func (e *Envelope) HeaderValues(name string) ([]string, bool) {
	if e.Headers == nil {
		return nil, false
	}
	vals, ok := e.Headers[textproto.CanonicalMIMEHeaderKey(name)]
	return vals, ok
}

// SetHeader stores a header value under its canonical key.
func (e *Envelope) SetHeader(name, value string) {
	if e.Headers == nil {
		e.Headers = make(map[string][]string)
	}
	key := textproto.CanonicalMIMEHeaderKey(name)
	e.Headers[key] = append(e.Headers[key], value)
}

// =============================================================================
// Message Record
// =============================================================================

// MessageRecord is the durable per-message row. Exactly one record exists
// per message id; re-ingestion is a no-op.
type MessageRecord struct {
	MessageID string `json:"message_id"`
	Folder    string `json:"folder"`
	Subject   string `json:"subject"`
	Sender    string `json:"sender"`

	// SourceRef is an opaque back-reference: a file path into the local
	// cache or a numeric identifier on a remote server.
	SourceRef string `json:"source_ref"`

	Category    *string  `json:"category,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	IsJunk      bool     `json:"is_junk"`
	MatchedRule *string  `json:"matched_rule,omitempty"`
	Transferred bool     `json:"transferred"`

	ProcessedAt time.Time `json:"processed_at"`
}

// Classified reports whether a prediction has been recorded.
func (r *MessageRecord) Classified() bool {
	return r.Category != nil
}

// NewRecord builds an unclassified record from an envelope.
func NewRecord(env *Envelope) *MessageRecord {
	return &MessageRecord{
		MessageID:   env.MessageID,
		Folder:      env.Folder,
		Subject:     env.Subject,
		Sender:      env.Sender,
		SourceRef:   env.SourceRef,
		ProcessedAt: time.Now().UTC(),
	}
}

// =============================================================================
// Prediction
// =============================================================================

// FallbackCategory is where low-confidence and unparseable classifications
// are routed.
const FallbackCategory = "Unknown"

// Prediction is the structured result of one classify call.
type Prediction struct {
	Category   string   `json:"category"`
	Secondary  []string `json:"secondary,omitempty"`
	Confidence float64  `json:"confidence"`
}

// FallbackPrediction is returned when the model output cannot be salvaged.
func FallbackPrediction() *Prediction {
	return &Prediction{Category: FallbackCategory, Confidence: 0}
}

// RouteFolder resolves the destination folder for a prediction given the
// confidence threshold. Confidence exactly at the threshold routes to the
// predicted category.
func (p *Prediction) RouteFolder(threshold float64) string {
	if p.Category == "" || p.Confidence < threshold {
		return FallbackCategory
	}
	return p.Category
}
