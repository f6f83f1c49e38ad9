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

package ingest

import (
	"bytes"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/google/go-cmp/cmp"

	"github.com/sgrimes/mboxer/internal/parse"
)

func plainRecord(i int) string {
	return fmt.Sprintf("From: user%d@example.com\r\n"+
		"To: list@example.com\r\n"+
		"Subject: Message %d\r\n"+
		"Message-Id: <m%d@example.com>\r\n"+
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n"+
		"Content-Type: text/plain\r\n"+
		"\r\n"+
		"body %d\r\n", i, i, i, i)
}

func buildMbox(t *testing.T, records []string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := mbox.NewWriter(&buf)
	for i, rec := range records {
		mw, err := w.CreateMessage("sender@example.com", time.Unix(int64(i), 0))
		if err != nil {
			t.Fatalf("CreateMessage(%d): %v", i, err)
		}
		if _, err := io.WriteString(mw, rec); err != nil {
			t.Fatalf("writing record %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing mbox writer: %v", err)
	}
	return &buf
}

func TestBatcherBatchBoundaries(t *testing.T) {
	records := make([]string, 250)
	for i := range records {
		records[i] = plainRecord(i)
	}
	buf := buildMbox(t, records)

	b := NewBatcher(buf, parse.New(nil, nil), 100, "boundaries.mbox")
	var sizes []int
	for {
		batch, err := b.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next(): %v", err)
		}
		sizes = append(sizes, len(batch))
	}
	if diff := cmp.Diff([]int{100, 100, 50}, sizes); diff != "" {
		t.Errorf("batch sizes mismatch (-want +got):\n%s", diff)
	}
	if got := b.Records(); got != 250 {
		t.Errorf("Records() = %d, want 250", got)
	}
	if got := b.Failures(); got != 0 {
		t.Errorf("Failures() = %d, want 0", got)
	}
}

func TestBatcherSkipsMalformedRecords(t *testing.T) {
	records := []string{
		plainRecord(0),
		plainRecord(1),
		"this is not an email at all",
		plainRecord(2),
		plainRecord(3),
	}
	buf := buildMbox(t, records)

	b := NewBatcher(buf, parse.New(nil, nil), 3, "mixed.mbox")

	first, err := b.Next()
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("first batch has %d messages, want 3", len(first))
	}
	// The malformed record is skipped without leaving a hole: the
	// first batch still fills to the limit from later records.
	want := []string{"<m0@example.com>", "<m1@example.com>", "<m2@example.com>"}
	var got []string
	for _, msg := range first {
		got = append(got, msg.MessageID)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("first batch ids mismatch (-want +got):\n%s", diff)
	}

	second, err := b.Next()
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if len(second) != 1 || second[0].MessageID != "<m3@example.com>" {
		t.Errorf("second batch = %d messages, want just <m3@example.com>", len(second))
	}

	if _, err := b.Next(); err != io.EOF {
		t.Errorf("Next() after exhaustion = %v, want io.EOF", err)
	}
	if got := b.Failures(); got != 1 {
		t.Errorf("Failures() = %d, want 1", got)
	}
	if got := b.Records(); got != 5 {
		t.Errorf("Records() = %d, want 5", got)
	}
}

func TestBatcherEmptyStream(t *testing.T) {
	b := NewBatcher(bytes.NewReader(nil), parse.New(nil, nil), 10, "empty.mbox")
	if _, err := b.Next(); err != io.EOF {
		t.Errorf("Next() on empty stream = %v, want io.EOF", err)
	}
}
