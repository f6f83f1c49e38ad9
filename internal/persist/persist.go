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

// Package persist stores normalized messages, thread metadata and
// attachment records in a SQLite database.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/sgrimes/mboxer/internal/message"
)

var (
	createTableSql = []string{
		// The emails table holds one row per ingested message.
		//
		// Field: message_id
		//
		//   The normalized message id, angle brackets included,
		//   or a "generated-" id when the source record carried
		//   none.  Inserts are INSERT OR IGNORE keyed on this
		//   column, which is what makes re-runs idempotent.
		//
		// Field: date
		//
		//   RFC 3339 text in the configured zone; empty when the
		//   source date was absent or unparseable.
		//
		// Field: keywords
		//
		//   Comma-joined configured keywords matched against the
		//   subject and content.
		//
		// Field: thread_id
		//
		//   Assigned by the thread identifier; NULL until the
		//   first thread-grouped run touches the row.
		`
CREATE TABLE IF NOT EXISTS emails (
message_id TEXT NOT NULL PRIMARY KEY,
date DATETIME,
sender TEXT,
receiver TEXT,
subject TEXT,
content TEXT,
keywords TEXT,
thread_id TEXT
);`,
		`CREATE INDEX IF NOT EXISTS idx_emails_date ON emails(date);`,
		`CREATE INDEX IF NOT EXISTS idx_emails_thread_id ON emails(thread_id);`,
		// The email_threads table holds per-thread metadata,
		// refreshed each time a thread group is handed to
		// storage.
		`
CREATE TABLE IF NOT EXISTS email_threads (
thread_id TEXT NOT NULL PRIMARY KEY,
subject TEXT,
participants TEXT,
start_date DATETIME,
last_update DATETIME,
message_count INTEGER
);`,
		// The attachments table records attachment metadata and
		// the on-disk blob path.
		//
		// Field: ocr_text
		//
		//   Extracted text filled in by the out-of-band OCR
		//   pass, keyed by attachment_id.  NULL until extraction
		//   has run; an extraction failure stores the error
		//   string so the attachment is not retried forever.
		`
CREATE TABLE IF NOT EXISTS attachments (
attachment_id TEXT NOT NULL PRIMARY KEY,
message_id TEXT NOT NULL,
filename TEXT,
mime_type TEXT,
size INTEGER,
path TEXT,
ocr_text TEXT,
FOREIGN KEY (message_id) REFERENCES emails (message_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);`,
	}
)

type DB struct {
	db *sql.DB
}

type Tx struct {
	tx *sql.Tx
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func Open(ctx context.Context, path string) (*DB, error) {
	// The _busy_timeout is a SQLite extension that controls how
	// long SQLite will poll before giving up.  The default of 5
	// seconds is too short in practice, especially in slower
	// debug builds; go with 5 minutes.
	var busyTimeout = int(5*time.Minute) / int(time.Millisecond)

	dsn, err := dsnFromPath(path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", busyTimeout)}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from "+
				"the given path",
			path)
	}
	log.Printf("opening database at %q\n", dsn)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q",
			path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the "+
				"database schema", path)
	}

	return &DB{db}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}

	return nil
}

// InsertMessages inserts a batch of messages and their attachment
// records in one transaction and returns the number of newly inserted
// email rows.  Already-present message ids are ignored, so replaying a
// mailbox is cheap and safe.
func (db *DB) InsertMessages(ctx context.Context, msgs []*message.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted, err := tx.insertMessages(ctx, msgs)
	if err != nil {
		return 0, err
	}
	return inserted, errors.Wrap(tx.Commit(), "commit message batch")
}

func (tx *Tx) insertMessages(ctx context.Context, msgs []*message.Message) (int, error) {
	sql := `INSERT OR IGNORE INTO emails
		(message_id, date, sender, receiver, subject, content, keywords, thread_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	insert, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return 0, errors.Wrap(err, "db prepare statement failed for emails insert")
	}
	defer insert.Close()

	sql = `INSERT OR IGNORE INTO attachments
		(attachment_id, message_id, filename, mime_type, size, path)
		VALUES ($1, $2, $3, $4, $5, $6)`
	attach, err := tx.tx.PrepareContext(ctx, sql)
	if err != nil {
		return 0, errors.Wrap(err, "db prepare statement failed for attachments insert")
	}
	defer attach.Close()

	inserted := 0
	for _, msg := range msgs {
		res, err := insert.ExecContext(ctx, msg.MessageID, msg.Date,
			msg.Sender, msg.Receiver, msg.Subject, msg.Content,
			strings.Join(msg.Keywords, ","), nullable(msg.ThreadID))
		if err != nil {
			return 0, errors.Wrapf(err, "inserting message %s", msg.MessageID)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
		for _, att := range msg.Attachments {
			_, err := attach.ExecContext(ctx, att.ID, msg.MessageID,
				att.Filename, att.MimeType, att.Size, att.Path)
			if err != nil {
				return 0, errors.Wrapf(err, "inserting attachment %s", att.ID)
			}
		}
	}
	return inserted, nil
}

// UpdateThreadInfo refreshes the metadata row for a thread from the
// given member group and stamps thread_id onto each member's email
// row.
func (db *DB) UpdateThreadInfo(ctx context.Context, threadID string, msgs []*message.Message) error {
	if threadID == "" || len(msgs) == 0 {
		return nil
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	subject, participants, start, last := threadMeta(msgs)
	sql := `INSERT OR REPLACE INTO email_threads
		(thread_id, subject, participants, start_date, last_update, message_count)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.tx.ExecContext(ctx, sql, threadID, subject,
		participants, start, last, len(msgs)); err != nil {
		return errors.Wrapf(err, "upserting thread %s", threadID)
	}

	stamp, err := tx.tx.PrepareContext(ctx,
		`UPDATE emails SET thread_id = $1 WHERE message_id = $2`)
	if err != nil {
		return errors.Wrap(err, "db prepare statement failed for thread stamp")
	}
	defer stamp.Close()

	for _, msg := range msgs {
		if msg.MessageID == "" {
			continue
		}
		if _, err := stamp.ExecContext(ctx, threadID, msg.MessageID); err != nil {
			return errors.Wrapf(err, "stamping thread on %s", msg.MessageID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit thread info")
}

// threadMeta derives the email_threads columns from a thread group:
// the first non-empty subject, the sorted union of senders and
// receivers, and the earliest/latest parseable dates.
func threadMeta(msgs []*message.Message) (subject, participants, start, last string) {
	people := make(map[string]struct{})
	var startT, lastT time.Time

	for _, msg := range msgs {
		if subject == "" && msg.Subject != "" {
			subject = msg.Subject
		}
		if msg.Sender != "" {
			people[msg.Sender] = struct{}{}
		}
		if msg.Receiver != "" {
			people[msg.Receiver] = struct{}{}
		}
		if msg.Date == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, msg.Date)
		if err != nil {
			continue
		}
		if startT.IsZero() || t.Before(startT) {
			startT = t
		}
		if lastT.IsZero() || t.After(lastT) {
			lastT = t
		}
	}

	names := make([]string, 0, len(people))
	for p := range people {
		names = append(names, p)
	}
	sort.Strings(names)
	participants = strings.Join(names, ",")

	if !startT.IsZero() {
		start = startT.Format(time.RFC3339)
		last = lastT.Format(time.RFC3339)
	}
	return subject, participants, start, last
}

// SetAttachmentText stores OCR-extracted text (or the extraction error
// string) for an attachment id.
func (db *DB) SetAttachmentText(ctx context.Context, attachmentID, text string) error {
	const sql = `UPDATE attachments SET ocr_text = $1 WHERE attachment_id = $2`
	res, err := db.db.ExecContext(ctx, sql, text, attachmentID)
	if err != nil {
		return errors.Wrapf(err, "storing text for attachment %s", attachmentID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("no such attachment %s", attachmentID)
	}
	return nil
}

// AttachmentText looks up stored OCR text by attachment id.  The
// boolean is false when no text has been extracted yet.
func (db *DB) AttachmentText(ctx context.Context, attachmentID string) (string, bool, error) {
	const q = `SELECT ocr_text FROM attachments WHERE attachment_id = $1`
	row := db.db.QueryRowContext(ctx, q, attachmentID)
	var text sql.NullString
	if err := row.Scan(&text); err != nil {
		if err == sql.ErrNoRows {
			return "", false, errors.Errorf("no such attachment %s", attachmentID)
		}
		return "", false, errors.Wrap(err, "db scan failed in AttachmentText")
	}
	return text.String, text.Valid, nil
}

// ListAttachmentsWithoutText calls handler for every attachment that
// has no extracted text yet.
func (db *DB) ListAttachmentsWithoutText(ctx context.Context, handler func(attachmentID, path string) error) error {
	const q = `
SELECT attachment_id, path
FROM attachments
WHERE ocr_text IS NULL
`
	rows, err := db.db.QueryContext(ctx, q)
	if err != nil {
		return errors.Wrap(err, "db query failed in ListAttachmentsWithoutText")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var path sql.NullString
		if err := rows.Scan(&id, &path); err != nil {
			return errors.Wrap(err, "db scan failed in ListAttachmentsWithoutText")
		}
		if err := handler(id, path.String); err != nil {
			return err
		}
	}
	return errors.Wrap(rows.Err(), "row iteration failed in ListAttachmentsWithoutText")
}

// ThreadCount returns the number of rows in email_threads.
func (db *DB) ThreadCount(ctx context.Context) (int, error) {
	row := db.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM email_threads`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, errors.Wrap(err, "db scan failed in ThreadCount")
	}
	return n, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
