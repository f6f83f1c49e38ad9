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

// Package thread assigns conversation thread identifiers to parsed
// messages.
//
// Identification runs in three tiers: message-id references found in
// headers and body text, normalized subjects, and finally a singleton
// id per message.  The identifier carries state across calls, so two
// messages sharing a reference token resolve to the same thread no
// matter which is seen first.
package thread

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sgrimes/mboxer/internal/message"
)

// msgIDPattern matches message-id-like tokens: an angle-bracketed
// local part and domain with no whitespace or nested brackets.
var msgIDPattern = regexp.MustCompile(`<[^<>@\s]+@[^<>\s]+>`)

// subjectPrefixes are the reply/forward prefixes stripped during
// subject normalization.  Each is applied exactly once, in order,
// anchored to the start; stripping is deliberately not repeated to a
// fixpoint.
var subjectPrefixes = []*regexp.Regexp{
	regexp.MustCompile(`^re:\s*`),
	regexp.MustCompile(`^fwd:\s*`),
	regexp.MustCompile(`^fw:\s*`),
	regexp.MustCompile(`^reply:\s*`),
	regexp.MustCompile(`^\[\w+\]\s*`),
}

// Identifier groups messages into threads.  It is not safe for
// concurrent use; the ingestion pipeline has exactly one synchronous
// writer.
type Identifier struct {
	// threads maps reference-linked thread ids to their member
	// reference tokens, for membership audit.
	threads map[string]map[string]struct{}

	// subjectThreads maps a normalized subject to its thread id.
	subjectThreads map[string]string

	// refMap maps every reference token (message ids included) to
	// the thread id it is bound to.  Bindings are never rebound:
	// threads merge by adopting existing ids, they never split.
	refMap map[string]string

	// next numbers minted ids.  Shared across all three id kinds
	// so ids never collide across kinds.
	next int

	// minted counts every id minted, across all kinds.
	minted int

	// normCache memoizes normalizeSubject per raw subject.
	normCache map[string]string
}

// NewIdentifier returns an empty Identifier.
func NewIdentifier() *Identifier {
	return &Identifier{
		threads:        make(map[string]map[string]struct{}),
		subjectThreads: make(map[string]string),
		refMap:         make(map[string]string),
		next:           1,
		normCache:      make(map[string]string),
	}
}

// ThreadCount returns the number of distinct thread ids minted so far,
// summed across the thread-, subject- and singleton- kinds.
func (ident *Identifier) ThreadCount() int {
	return ident.minted
}

// Identify returns the thread id for msg, minting one if needed.  It
// returns "" only when the message carries no identifying string at
// all; malformed input otherwise degrades to a singleton id.
func (ident *Identifier) Identify(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	id := msg.MessageID
	if id == "" {
		return ""
	}

	// Already bound, directly or through an earlier message's
	// references.
	if tid, ok := ident.refMap[id]; ok {
		return tid
	}

	refs := ident.extractReferences(msg)
	if len(refs) > 0 {
		// Adopt the first existing binding, scanning in sorted
		// order so the result does not depend on map iteration.
		for _, ref := range refs {
			tid, ok := ident.refMap[ref]
			if !ok {
				continue
			}
			// Bind the remaining references too, so
			// disjoint reference clusters merge into one
			// thread.
			for _, other := range refs {
				ident.bind(tid, other)
			}
			ident.bind(tid, id)
			return tid
		}

		tid := fmt.Sprintf("thread-%d", ident.next)
		ident.next++
		ident.minted++
		ident.threads[tid] = make(map[string]struct{})
		for _, ref := range refs {
			ident.bind(tid, ref)
		}
		ident.bind(tid, id)
		return tid
	}

	if norm := ident.normalizeSubject(msg.Subject); norm != "" {
		if tid, ok := ident.subjectThreads[norm]; ok {
			ident.refMap[id] = tid
			return tid
		}
		tid := fmt.Sprintf("subject-%d", ident.next)
		ident.next++
		ident.minted++
		ident.subjectThreads[norm] = tid
		ident.refMap[id] = tid
		return tid
	}

	// No references and no usable subject: a singleton thread.
	// Long ids use a content-derived suffix, short ones the shared
	// counter; the counter advances either way.
	var tid string
	if len(id) > 8 {
		tid = "singleton-" + id[len(id)-8:]
	} else {
		tid = fmt.Sprintf("singleton-%d", ident.next)
	}
	ident.next++
	ident.minted++
	ident.refMap[id] = tid
	return tid
}

// bind associates ref with tid and records membership for
// reference-linked threads.
func (ident *Identifier) bind(tid, ref string) {
	ident.refMap[ref] = tid
	if members, ok := ident.threads[tid]; ok {
		members[ref] = struct{}{}
	}
}

// Members returns the reference tokens recorded for a reference-linked
// thread id, sorted.  Subject and singleton threads have no recorded
// membership.
func (ident *Identifier) Members(tid string) []string {
	members, ok := ident.threads[tid]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// extractReferences collects message-id-like tokens from the explicit
// In-Reply-To/References header text and from the content body,
// sorted.  The message's own id is not included; it is bound to
// whatever thread results.
func (ident *Identifier) extractReferences(msg *message.Message) []string {
	seen := make(map[string]struct{})
	for _, src := range []string{msg.InReplyTo, msg.Content} {
		if src == "" {
			continue
		}
		for _, tok := range msgIDPattern.FindAllString(src, -1) {
			seen[tok] = struct{}{}
		}
	}
	delete(seen, msg.MessageID)
	refs := make([]string, 0, len(seen))
	for tok := range seen {
		refs = append(refs, tok)
	}
	sort.Strings(refs)
	return refs
}

// normalizeSubject lowercases the subject and strips one occurrence of
// each known reply/forward prefix, anchored to the start.  Results are
// memoized per raw subject for the identifier's lifetime.
func (ident *Identifier) normalizeSubject(subject string) string {
	if subject == "" {
		return ""
	}
	if norm, ok := ident.normCache[subject]; ok {
		return norm
	}

	norm := strings.ToLower(subject)
	for _, re := range subjectPrefixes {
		norm = re.ReplaceAllString(norm, "")
	}
	norm = strings.TrimSpace(norm)

	ident.normCache[subject] = norm
	return norm
}
