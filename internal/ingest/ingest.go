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

// Package ingest drives batch ingestion of mailbox files: it parses
// records into bounded batches, optionally groups them into threads,
// and hands them to a storage collaborator, skipping files whose
// content hash is unchanged since the last run.
//
// Processing is strictly synchronous: files in name order, batches in
// source order, one writer.  The only pause point is a cooperative
// memory-pressure backoff between batches.
package ingest

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/sgrimes/mboxer/internal/attach"
	"github.com/sgrimes/mboxer/internal/message"
	"github.com/sgrimes/mboxer/internal/parse"
	"github.com/sgrimes/mboxer/internal/sysmem"
	"github.com/sgrimes/mboxer/internal/thread"
)

const (
	mboxExtension = ".mbox"

	defaultMaxMemoryPercent = 80

	// memoryPollInterval paces backoff polls while over the
	// memory ceiling.
	memoryPollInterval = time.Second
)

// ErrNoMailboxes reports a directory with no mailbox files to process.
var ErrNoMailboxes = errors.New("no mailbox files found")

// Options configures one ingestion run.
type Options struct {
	// BatchSize bounds each batch handed to storage; zero means
	// DefaultBatchSize.
	BatchSize int

	// DryRun skips every storage call but still advances all
	// counters, so metrics project real-run behavior.
	DryRun bool

	// Threading routes messages through the thread identifier and
	// hands each thread group to storage as a unit.
	Threading bool

	// MaxMemoryPercent is the memory ceiling for the backoff
	// check; zero means the default of 80.
	MaxMemoryPercent float64

	// FileCache maps file path to content hash.  Files whose hash
	// is unchanged are skipped.  The map is updated in place so
	// the caller can persist it across runs.  nil disables change
	// detection.
	FileCache map[string]string

	// MemoryUsage reports current memory usage percent; nil means
	// the OS-backed provider.
	MemoryUsage sysmem.UsageFunc
}

// Metrics accumulates counters over one directory run.  Every
// recovered error increments one of the failure counters; nothing is
// dropped silently.
type Metrics struct {
	FilesProcessed    int
	FilesSkipped      int
	FileFailures      int
	MessagesProcessed int
	ParseFailures     int
	StorageFailures   int
	Threads           message.ThreadStats
	Elapsed           time.Duration
}

// Ingestor coordinates parsing, thread grouping and storage over a
// directory of mailbox files.  Create one per run; its thread
// identifier state is scoped to the Ingestor, never global.
type Ingestor struct {
	storage     MessageStorage
	parser      *parse.Parser
	attachments *attach.Store // may be nil: metadata-only mode
	threads     *thread.Identifier
	opts        Options

	memUsage sysmem.UsageFunc
	poll     *rate.Limiter
}

// New returns an Ingestor writing to storage.  attachments may be nil
// to skip blob storage.
func New(storage MessageStorage, parser *parse.Parser, attachments *attach.Store, opts Options) *Ingestor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxMemoryPercent <= 0 {
		opts.MaxMemoryPercent = defaultMaxMemoryPercent
	}
	in := &Ingestor{
		storage:     storage,
		parser:      parser,
		attachments: attachments,
		opts:        opts,
		memUsage:    opts.MemoryUsage,
		poll:        rate.NewLimiter(rate.Every(memoryPollInterval), 1),
	}
	if in.memUsage == nil {
		in.memUsage = sysmem.Usage
	}
	if opts.Threading {
		in.threads = thread.NewIdentifier()
	}
	return in
}

// ProcessDirectory ingests every mailbox file in dir, in name order.
// Per-file failures are logged and counted but do not abort the run;
// a missing directory or a directory with no mailbox files is an
// error.
func (in *Ingestor) ProcessDirectory(ctx context.Context, dir string) (*Metrics, error) {
	start := time.Now()
	metrics := &Metrics{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading mailbox directory %q", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), mboxExtension) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, errors.Wrapf(ErrNoMailboxes, "in %q", dir)
	}
	sort.Strings(files)
	log.Printf("ingest: found %d mailbox files in %s", len(files), dir)

	for _, path := range files {
		if err := in.processFile(ctx, path, metrics); err != nil {
			if ctx.Err() != nil {
				metrics.Elapsed = time.Since(start)
				return metrics, err
			}
			metrics.FileFailures++
			log.Printf("ingest: skipping file %s: %v", path, err)
		}
	}

	if in.threads != nil {
		metrics.Threads.ThreadCount = in.threads.ThreadCount()
	}
	metrics.Elapsed = time.Since(start)
	return metrics, nil
}

func (in *Ingestor) processFile(ctx context.Context, path string, metrics *Metrics) error {
	log.Printf("ingest: processing %s", path)

	var hash string
	if in.opts.FileCache != nil {
		h, err := HashFile(path)
		if err != nil {
			log.Printf("ingest: cannot hash %s, processing anyway: %v", path, err)
		} else {
			if prev, ok := in.opts.FileCache[path]; ok && prev == h {
				log.Printf("ingest: skipping unchanged file %s", path)
				metrics.FilesSkipped++
				return nil
			}
			hash = h
		}
	}

	if err := in.waitForMemory(ctx); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening mailbox %s", path)
	}
	defer f.Close()

	batcher := NewBatcher(f, in.parser, in.opts.BatchSize, filepath.Base(path))
	for {
		batch, err := batcher.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			metrics.ParseFailures += batcher.Failures()
			return err
		}

		in.storeAttachments(batch)
		if in.threads != nil {
			in.storeThreaded(ctx, batch, metrics)
		} else {
			in.storeBatch(ctx, batch, metrics)
		}

		// Re-check pressure between batches; over the ceiling
		// we back off rather than drop data.
		if err := in.waitForMemory(ctx); err != nil {
			metrics.ParseFailures += batcher.Failures()
			return err
		}
	}

	metrics.ParseFailures += batcher.Failures()
	metrics.FilesProcessed++
	// Record the hash only now: a file that failed mid-stream must
	// be retried on the next run, not skipped as unchanged.
	if hash != "" {
		in.opts.FileCache[path] = hash
	}
	log.Printf("ingest: completed %s: %d records, %d parse failures",
		path, batcher.Records(), batcher.Failures())
	return nil
}

// storeBatch hands one whole batch to storage.
func (in *Ingestor) storeBatch(ctx context.Context, batch []*message.Message, metrics *Metrics) {
	if in.opts.DryRun {
		log.Printf("ingest: dry run, would insert %d messages", len(batch))
		metrics.MessagesProcessed += len(batch)
		return
	}
	inserted, err := in.storage.InsertMessages(ctx, batch)
	if err != nil {
		metrics.StorageFailures++
		log.Printf("ingest: batch of %d not persisted: %v", len(batch), err)
		return
	}
	metrics.MessagesProcessed += inserted
}

// storeThreaded routes every message in the batch through the thread
// identifier, groups by thread id, and hands each group to storage as
// a unit so the group's rows carry thread_id atomically.
func (in *Ingestor) storeThreaded(ctx context.Context, batch []*message.Message, metrics *Metrics) {
	groups := make(map[string][]*message.Message)
	var order []string
	for _, msg := range batch {
		tid := in.threads.Identify(msg)
		msg.ThreadID = tid
		if _, ok := groups[tid]; !ok {
			order = append(order, tid)
		}
		groups[tid] = append(groups[tid], msg)
	}
	metrics.Threads.EmailsGrouped += len(batch)

	for _, tid := range order {
		group := groups[tid]
		if in.opts.DryRun {
			log.Printf("ingest: dry run, would insert %d messages for thread %q", len(group), tid)
			metrics.MessagesProcessed += len(group)
			continue
		}
		inserted, err := in.storage.InsertMessages(ctx, group)
		if err != nil {
			metrics.StorageFailures++
			log.Printf("ingest: thread group %q of %d not persisted: %v", tid, len(group), err)
			continue
		}
		metrics.MessagesProcessed += inserted

		// tid == "" means no thread was assigned; there is no
		// metadata to record for it.
		if tid == "" {
			continue
		}
		if err := in.storage.UpdateThreadInfo(ctx, tid, group); err != nil {
			metrics.StorageFailures++
			log.Printf("ingest: thread info for %q not persisted: %v", tid, err)
		}
	}
}

// storeAttachments writes attachment blobs to the attachment store.
// With no store configured, or in a dry run, the content is dropped
// and only metadata survives.
func (in *Ingestor) storeAttachments(batch []*message.Message) {
	for _, msg := range batch {
		for _, att := range msg.Attachments {
			if in.attachments == nil || in.opts.DryRun {
				att.Content = nil
				continue
			}
			if _, err := in.attachments.Put(att); err != nil {
				log.Printf("ingest: attachment %s of %s not stored: %v",
					att.ID, msg.MessageID, err)
			}
		}
	}
}

// waitForMemory blocks while memory usage exceeds the configured
// ceiling, re-polling at most once per interval.  Under the ceiling it
// returns immediately; the limiter paces only the retries.  This is a
// cooperative throttle: it returns early only on context cancellation,
// never by giving up.
func (in *Ingestor) waitForMemory(ctx context.Context) error {
	for {
		pct, err := in.memUsage()
		if err != nil {
			// Pressure unknown is not a reason to stall the
			// run.
			log.Printf("ingest: memory usage query failed: %v", err)
			return nil
		}
		if pct <= in.opts.MaxMemoryPercent {
			return nil
		}
		log.Printf("ingest: memory usage %.1f%% over ceiling %.1f%%, backing off",
			pct, in.opts.MaxMemoryPercent)
		if err := in.poll.Wait(ctx); err != nil {
			return err
		}
	}
}
