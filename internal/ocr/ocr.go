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

// Package ocr recovers text from stored attachment blobs by shelling
// out to an external recognizer.
package ocr

import (
	"context"
	"log"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Extractor recovers text from a file on disk.
type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

// Tesseract runs the tesseract command-line recognizer over image
// attachments.
type Tesseract struct {
	// binary is the recognizer command name or path.
	binary string
}

// NewTesseract returns a Tesseract using the named binary; empty means
// "tesseract" from PATH.
func NewTesseract(binary string) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	return &Tesseract{binary: binary}
}

// ExtractText runs the recognizer over the file at path and returns
// the recognized text, trimmed.  "stdout" as the output base makes
// tesseract write the text to its stdout instead of a sidecar file.
func (t *Tesseract) ExtractText(ctx context.Context, path string) (string, error) {
	out, err := exec.CommandContext(ctx, t.binary, path, "stdout").Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
			return "", errors.Wrapf(err, "running %s on %s: %s",
				t.binary, path, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", errors.Wrapf(err, "running %s on %s", t.binary, path)
	}
	return strings.TrimSpace(string(out)), nil
}

// AttachmentTexts is the persistence surface the OCR pass depends on:
// enumerate attachments still missing text and record recovered text.
type AttachmentTexts interface {
	ListAttachmentsWithoutText(ctx context.Context, handler func(attachmentID, path string) error) error
	SetAttachmentText(ctx context.Context, attachmentID, text string) error
}

// Run extracts text for every stored attachment that has none yet.
// An extraction failure is logged and its error string stored in place
// of text, so the attachment is not retried on every pass.  It returns
// the number of attachments whose text was recovered.
func Run(ctx context.Context, ex Extractor, store AttachmentTexts) (int, error) {
	updated := 0
	err := store.ListAttachmentsWithoutText(ctx, func(attachmentID, path string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == "" {
			return nil
		}
		text, exErr := ex.ExtractText(ctx, path)
		if exErr != nil {
			log.Printf("ocr: attachment %s: %v", attachmentID, exErr)
			text = "extraction failed: " + exErr.Error()
		}
		if err := store.SetAttachmentText(ctx, attachmentID, text); err != nil {
			return errors.Wrapf(err, "recording text for %s", attachmentID)
		}
		if exErr == nil {
			updated++
		}
		return nil
	})
	if err != nil {
		return updated, err
	}
	return updated, nil
}
