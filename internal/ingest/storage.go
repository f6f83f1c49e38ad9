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

// This file provides the storage contracts the orchestrator depends
// on.

import (
	"context"

	"github.com/sgrimes/mboxer/internal/message"
)

// MessageWriter persists batches of normalized messages and reports
// how many were newly inserted.
type MessageWriter interface {
	InsertMessages(ctx context.Context, msgs []*message.Message) (int, error)
}

// ThreadWriter persists per-thread metadata for a group of messages
// sharing one thread id.
type ThreadWriter interface {
	UpdateThreadInfo(ctx context.Context, threadID string, msgs []*message.Message) error
}

// MessageStorage provides all persistence actions the ingestion
// pipeline needs.
type MessageStorage interface {
	MessageWriter
	ThreadWriter
}
