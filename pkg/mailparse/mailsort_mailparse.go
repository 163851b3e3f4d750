// Package mailparse turns raw RFC 822 bytes into the pieces an envelope
// needs: message id, subject, sender, headers and the first plain-text body
// part. Every source adapter funnels through it so the pipeline sees one
// representation regardless of back-end.
package mailparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"mime"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"mailsort_daemon/core/domain"
)

// maxBodyBytes caps the body text carried in an envelope. Classification
// prompts truncate further; there is no reason to hold megabytes in flight.
const maxBodyBytes = 64 * 1024

// Parse builds an envelope from raw message bytes. Folder, source tag and
// source-ref are the caller's to fill in. Parse never fails outright: a
// malformed message yields an envelope with whatever could be salvaged and
// a synthesized message id when the Message-ID header is missing.
func Parse(raw []byte) *domain.Envelope {
	env := &domain.Envelope{}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr != nil {
		fillHeaders(env, mr)
		if err == nil {
			env.BodyText = firstTextPart(mr)
		}
	}

	if env.MessageID == "" {
		env.MessageID = SynthesizeID(raw)
	}
	return env
}

func fillHeaders(env *domain.Envelope, mr *mail.Reader) {
	fields := mr.Header.Fields()
	for fields.Next() {
		text, err := fields.Text()
		if err != nil {
			// Undecodable header, keep the raw value.
			text = fields.Value()
		}
		env.SetHeader(fields.Key(), text)
	}

	env.MessageID = strings.TrimSpace(env.Header("Message-Id"))
	if subject, err := mr.Header.Subject(); err == nil && subject != "" {
		env.Subject = subject
	} else {
		env.Subject = decodeWord(env.Header("Subject"))
	}
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		env.Sender = addrs[0].Address
	} else {
		env.Sender = strings.TrimSpace(env.Header("From"))
	}
}

// firstTextPart walks the MIME tree and returns the first text/plain part,
// falling back to the first text/* part of any kind.
func firstTextPart(mr *mail.Reader) string {
	var fallback string
	for {
		part, err := mr.NextPart()
		if err == io.EOF || part == nil {
			break
		}
		if err != nil {
			// Tolerate broken parts; whatever was collected stands.
			break
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ctype, _, err := header.ContentType()
		if err != nil {
			continue
		}
		switch {
		case ctype == "text/plain":
			return readCapped(part.Body)
		case strings.HasPrefix(ctype, "text/") && fallback == "":
			fallback = readCapped(part.Body)
		}
	}
	return fallback
}

func readCapped(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	return string(b)
}

func decodeWord(s string) string {
	dec := &mime.WordDecoder{}
	if out, err := dec.DecodeHeader(s); err == nil {
		return out
	}
	return s
}

// SynthesizeID derives a stable message id from the raw bytes so messages
// without a Message-ID header still dedupe in the store.
func SynthesizeID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "<" + hex.EncodeToString(sum[:16]) + "@mailsort.local>"
}
