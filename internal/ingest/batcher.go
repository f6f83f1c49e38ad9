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
	"io"
	"log"

	"github.com/emersion/go-mbox"
	"github.com/pkg/errors"

	"github.com/sgrimes/mboxer/internal/message"
	"github.com/sgrimes/mboxer/internal/parse"
)

// DefaultBatchSize bounds batches when the caller does not say
// otherwise.
const DefaultBatchSize = 100

// Batcher drives iteration over one mailbox stream, parsing each
// record and accumulating bounded batches in source order.  A record
// that fails to parse is logged, counted and skipped; it never aborts
// the batch.  The stream is forward-only: restarting means reopening
// the source.
type Batcher struct {
	mbox      *mbox.Reader
	parser    *parse.Parser
	batchSize int

	// source names the stream in log lines, typically the file
	// base name.
	source string

	index    int
	failures int
	done     bool
}

// NewBatcher returns a Batcher over one mailbox stream.
func NewBatcher(r io.Reader, p *parse.Parser, batchSize int, source string) *Batcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Batcher{
		mbox:      mbox.NewReader(r),
		parser:    p,
		batchSize: batchSize,
		source:    source,
	}
}

// Next returns the next batch of at most batchSize messages, or io.EOF
// once the stream is exhausted.  The final batch may be smaller.
func (b *Batcher) Next() ([]*message.Message, error) {
	if b.done {
		return nil, io.EOF
	}

	batch := make([]*message.Message, 0, b.batchSize)
	for len(batch) < b.batchSize {
		rec, err := b.mbox.NextMessage()
		if err == io.EOF {
			b.done = true
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading record %d from %s", b.index, b.source)
		}
		idx := b.index
		b.index++

		msg, err := b.parser.Parse(rec)
		if err != nil {
			b.failures++
			log.Printf("ingest: skipping record %d of %s: %v", idx, b.source, err)
			continue
		}
		batch = append(batch, msg)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

// Records returns the number of records read so far, parse failures
// included.
func (b *Batcher) Records() int {
	return b.index
}

// Failures returns the number of records skipped for parse failures.
func (b *Batcher) Failures() int {
	return b.failures
}
