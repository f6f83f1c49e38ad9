// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package parse converts one raw mailbox record into a normalized
// message.  Field extraction is best effort: missing headers become
// empty strings and only records that are structurally not email fail.
package parse

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"github.com/pkg/errors"

	"github.com/sgrimes/mboxer/internal/message"
)

// ErrMalformed reports a record that cannot yield a header set or a
// content payload, i.e. is structurally not an email.
var ErrMalformed = errors.New("record is not an email")

// Parser turns raw records into normalized messages.  It is pure over
// its input plus the configured keyword list.
type Parser struct {
	keywords []string // lowercased
	loc      *time.Location
}

// New returns a Parser matching the given keywords (case-insensitive)
// and rendering dates in loc.  A nil loc means UTC.
func New(keywords []string, loc *time.Location) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	lowered := make([]string, len(keywords))
	for i, kw := range keywords {
		lowered[i] = strings.ToLower(kw)
	}
	return &Parser{keywords: lowered, loc: loc}
}

// Parse reads one raw message record and returns its normalized form.
func (p *Parser) Parse(r io.Reader) (*message.Message, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading raw message")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty record")
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, errors.Wrapf(ErrMalformed, "unreadable headers: %v", err)
	}
	defer mr.Close()

	msg := &message.Message{
		MessageID: strings.TrimSpace(mr.Header.Get("Message-Id")),
		Sender:    strings.TrimSpace(mr.Header.Get("From")),
		Receiver:  strings.TrimSpace(mr.Header.Get("To")),
		InReplyTo: referencesText(mr.Header),
	}
	if msg.MessageID == "" {
		msg.MessageID = fmt.Sprintf("generated-%08x", fingerprint(raw))
	}

	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = strings.TrimSpace(subject)
	} else {
		msg.Subject = strings.TrimSpace(mr.Header.Get("Subject"))
	}

	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.Date = date.In(p.loc).Format(time.RFC3339)
	} else if hdr := mr.Header.Get("Date"); hdr != "" && err != nil {
		log.Printf("parse: unparseable date %q: %v", hdr, err)
	}

	msg.Content, msg.Attachments = p.readParts(mr, msg.MessageID)
	msg.Keywords = p.matchKeywords(msg.Subject, msg.Content)
	return msg, nil
}

// readParts walks the MIME structure collecting inline text and
// attachments.  Plain text wins; HTML is converted to text only when
// no plain part exists.  A broken part ends the walk but does not fail
// the message.
func (p *Parser) readParts(mr *mail.Reader, msgID string) (string, []*message.Attachment) {
	var plain, html strings.Builder
	var attachments []*message.Attachment

	for i := 0; ; i++ {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if gomessage.IsUnknownCharset(err) {
				continue
			}
			log.Printf("parse: stopping part walk for %s: %v", msgID, err)
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				log.Printf("parse: reading part %d of %s: %v", i, msgID, err)
				continue
			}
			switch ct {
			case "text/html":
				html.Write(body)
			default:
				plain.Write(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				log.Printf("parse: reading attachment %d of %s: %v", i, msgID, err)
				continue
			}
			attachments = append(attachments, &message.Attachment{
				ID:       attachmentID(msgID, i, filename),
				Filename: filename,
				MimeType: ct,
				Size:     int64(len(body)),
				Content:  body,
			})
		}
	}

	content := plain.String()
	if content == "" && html.Len() > 0 {
		content = html2text.HTML2Text(html.String())
	}
	return content, attachments
}

// matchKeywords returns the configured keywords present in the subject
// or content, case-insensitively, in configuration order.
func (p *Parser) matchKeywords(subject, content string) []string {
	if len(p.keywords) == 0 {
		return nil
	}
	subject = strings.ToLower(subject)
	content = strings.ToLower(content)
	var matched []string
	for _, kw := range p.keywords {
		if strings.Contains(subject, kw) || (content != "" && strings.Contains(content, kw)) {
			matched = append(matched, kw)
		}
	}
	return matched
}

// referencesText joins the raw In-Reply-To and References header text.
func referencesText(h mail.Header) string {
	var parts []string
	for _, name := range []string{"In-Reply-To", "References"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

// attachmentID derives a stable attachment identifier from the owning
// message id, the part index and the filename.
func attachmentID(msgID string, index int, filename string) string {
	hash := fnv.New64a()
	fmt.Fprintf(hash, "%s/%d/%s", msgID, index, filename)
	return fmt.Sprintf("att-%016x", hash.Sum64())
}
