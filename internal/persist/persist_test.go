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

package persist

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sgrimes/mboxer/internal/message"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testMessages() []*message.Message {
	return []*message.Message{
		{
			MessageID: "<a@x>",
			Date:      "2001-05-01T09:00:00Z",
			Sender:    "alice@x",
			Receiver:  "bob@x",
			Subject:   "Budget",
			Content:   "numbers attached",
			Keywords:  []string{"budget"},
			Attachments: []*message.Attachment{
				{ID: "att-1", Filename: "q1.pdf", MimeType: "application/pdf", Size: 3, Path: "/tmp/att-1"},
			},
		},
		{
			MessageID: "<b@x>",
			Date:      "2001-05-02T09:00:00Z",
			Sender:    "bob@x",
			Receiver:  "alice@x",
			Subject:   "Re: Budget",
			Content:   "looks fine",
		},
	}
}

func TestInsertMessagesIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n, err := db.InsertMessages(ctx, testMessages())
	if err != nil {
		t.Fatalf("InsertMessages() error: %v", err)
	}
	if n != 2 {
		t.Errorf("first InsertMessages() = %d, want 2", n)
	}

	// Replaying the same batch must insert nothing.
	n, err = db.InsertMessages(ctx, testMessages())
	if err != nil {
		t.Fatalf("second InsertMessages() error: %v", err)
	}
	if n != 0 {
		t.Errorf("second InsertMessages() = %d, want 0", n)
	}
}

func TestUpdateThreadInfo(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	msgs := testMessages()

	if _, err := db.InsertMessages(ctx, msgs); err != nil {
		t.Fatalf("InsertMessages() error: %v", err)
	}
	if err := db.UpdateThreadInfo(ctx, "subject-1", msgs); err != nil {
		t.Fatalf("UpdateThreadInfo() error: %v", err)
	}

	count, err := db.ThreadCount(ctx)
	if err != nil {
		t.Fatalf("ThreadCount() error: %v", err)
	}
	if count != 1 {
		t.Errorf("ThreadCount() = %d, want 1", count)
	}

	row := db.db.QueryRow(`SELECT subject, participants, start_date, last_update, message_count
		FROM email_threads WHERE thread_id = 'subject-1'`)
	var subject, participants, start, last string
	var n int
	if err := row.Scan(&subject, &participants, &start, &last, &n); err != nil {
		t.Fatalf("scanning thread row: %v", err)
	}
	if subject != "Budget" {
		t.Errorf("subject = %q, want %q", subject, "Budget")
	}
	if participants != "alice@x,bob@x" {
		t.Errorf("participants = %q, want %q", participants, "alice@x,bob@x")
	}
	if start != "2001-05-01T09:00:00Z" || last != "2001-05-02T09:00:00Z" {
		t.Errorf("dates = %q..%q", start, last)
	}
	if n != 2 {
		t.Errorf("message_count = %d, want 2", n)
	}

	row = db.db.QueryRow(`SELECT thread_id FROM emails WHERE message_id = '<b@x>'`)
	var tid string
	if err := row.Scan(&tid); err != nil {
		t.Fatalf("scanning stamped email: %v", err)
	}
	if tid != "subject-1" {
		t.Errorf("stamped thread_id = %q, want %q", tid, "subject-1")
	}
}

func TestAttachmentText(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.InsertMessages(ctx, testMessages()); err != nil {
		t.Fatalf("InsertMessages() error: %v", err)
	}

	// Not extracted yet.
	text, ok, err := db.AttachmentText(ctx, "att-1")
	if err != nil {
		t.Fatalf("AttachmentText() error: %v", err)
	}
	if ok || text != "" {
		t.Errorf("AttachmentText() = %q, %v before extraction", text, ok)
	}

	// The pending list should offer exactly this attachment.
	var pending []string
	err = db.ListAttachmentsWithoutText(ctx, func(id, path string) error {
		pending = append(pending, id)
		return nil
	})
	if err != nil {
		t.Fatalf("ListAttachmentsWithoutText() error: %v", err)
	}
	if len(pending) != 1 || pending[0] != "att-1" {
		t.Errorf("pending = %v, want [att-1]", pending)
	}

	if err := db.SetAttachmentText(ctx, "att-1", "scanned words"); err != nil {
		t.Fatalf("SetAttachmentText() error: %v", err)
	}
	text, ok, err = db.AttachmentText(ctx, "att-1")
	if err != nil {
		t.Fatalf("AttachmentText() error: %v", err)
	}
	if !ok || text != "scanned words" {
		t.Errorf("AttachmentText() = %q, %v, want %q, true", text, ok, "scanned words")
	}

	// Extracted attachments leave the pending list.
	pending = nil
	err = db.ListAttachmentsWithoutText(ctx, func(id, path string) error {
		pending = append(pending, id)
		return nil
	})
	if err != nil {
		t.Fatalf("ListAttachmentsWithoutText() error: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending = %v, want empty", pending)
	}

	if err := db.SetAttachmentText(ctx, "att-missing", "x"); err == nil {
		t.Error("SetAttachmentText(unknown id) succeeded, want error")
	}
}

func TestDsnFromPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/tmp/x.db", "file:///tmp/x.db?_busy_timeout=1"},
		{"file:/tmp/x.db?cache=shared", "file:/tmp/x.db?_busy_timeout=1&cache=shared"},
	}
	for _, tc := range cases {
		got, err := dsnFromPath(tc.path, map[string][]string{"_busy_timeout": {"1"}})
		if err != nil {
			t.Errorf("dsnFromPath(%q) error: %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("dsnFromPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
