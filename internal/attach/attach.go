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

// Package attach stores attachment blobs on disk, fanned out over a
// fixed directory farm keyed by a fingerprint of the attachment id so
// no single directory grows unbounded.
package attach

import (
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/sgrimes/mboxer/internal/message"
)

const (
	dirFileMode  = 0700
	blobFileMode = 0600

	pathFarm16 = "abcdefghijklmnop"
)

// Store writes attachment blobs beneath a root directory.
type Store struct {
	// Root of the attachment farm.
	path string
}

type path struct {
	root string
	dirs []string
	base string
}

func (p path) Join() string {
	parts := make([]string, 1, len(p.dirs)+2)
	parts[0] = p.root
	parts = append(parts, p.dirs...)
	parts = append(parts, p.base)
	return filepath.Join(parts...)
}

// New creates (if needed) the directory farm under root and returns a
// store over it.
func New(root string) (*Store, error) {
	s := &Store{path: root}
	if err := mkdirfarm(s.path, 2); err != nil {
		return nil, errors.Wrapf(err, "creating attachment farm at %q", root)
	}
	return s, nil
}

// Have reports whether a blob for the attachment is already stored.
func (s *Store) Have(id, filename string) bool {
	_, err := os.Stat(s.makePath(id, filename).Join())
	return err == nil
}

// Put writes the attachment's content to the store and returns the
// stored path.  The attachment's Content is cleared and its Path set
// on success.
func (s *Store) Put(att *message.Attachment) (string, error) {
	if att.ID == "" {
		return "", errors.New("attachment has no ID")
	}
	p := s.makePath(att.ID, att.Filename).Join()
	if err := os.WriteFile(p, att.Content, blobFileMode); err != nil {
		return "", errors.Wrapf(err, "writing attachment %s", att.ID)
	}
	att.Path = p
	att.Content = nil
	return p, nil
}

// Path returns the path a blob for the attachment id would be stored
// at, whether or not it exists yet.
func (s *Store) Path(id, filename string) string {
	return s.makePath(id, filename).Join()
}

// blobname holds the fields encoded into the basename portion of a
// stored blob's file name.
type blobname struct {
	// The stable attachment identifier.
	id string

	// The original attachment filename, kept (escaped) for
	// operator legibility.
	filename string
}

// Return the specified string with characters that should not appear
// in a stored blob filename escaped.
func escape(s string) string {
	hexCount := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i]) {
			hexCount++
		}
	}

	if hexCount == 0 {
		return s
	}

	t := make([]byte, len(s)+2*hexCount)
	j := 0
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case shouldEscape(c):
			t[j] = '='
			t[j+1] = "0123456789ABCDEF"[c>>4]
			t[j+2] = "0123456789ABCDEF"[c&15]
			j += 3
		default:
			t[j] = s[i]
			j++
		}
	}
	return string(t)
}

// Return true if the specified character should be escaped when
// appearing in a stored blob filename.  Only alphanumeric characters
// pass through; see the Portable Filename Character Set, IEEE Std
// 1003.1-2017 §3.282, restricted further by dropping punctuation.
func shouldEscape(c byte) bool {
	if 'A' <= c && c <= 'Z' || 'a' <= c && c <= 'z' || '0' <= c && c <= '9' {
		return false
	}

	// Everything else must be escaped.
	return true
}

// encode returns the blobname in a filename-safe form: a distinguisher
// and encoding version, the escaped id, and the escaped original
// filename.
func (b blobname) encode() string {
	var sb strings.Builder
	const prefix = "attach-1-"
	sb.Grow(len(prefix) + len(b.id) + len(b.filename) + 1)
	sb.WriteString(prefix)
	sb.WriteString(escape(b.id))
	if b.filename != "" {
		sb.WriteRune('-')
		sb.WriteString(escape(b.filename))
	}
	return sb.String()
}

func mkdir(dir string) error {
	if err := os.Mkdir(dir, dirFileMode); err != nil && !os.IsExist(err) {
		return err
	}
	return nil
}

func mkdirfarm(path string, depth int) error {
	if err := mkdir(path); err != nil {
		return err
	}
	if depth == 0 {
		return nil
	}

	for i := 0; i < len(pathFarm16); i++ {
		path := filepath.Join(path, pathFarm16[i:i+1])
		if err := mkdirfarm(path, depth-1); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(b []byte) uint32 {
	hash := fnv.New32a()
	hash.Write(b)
	return hash.Sum32()
}

func pathParts(id string) []string {
	fp := fingerprint([]byte(id))
	nibble1 := fp & 0xf
	nibble2 := (fp >> 4) & 0xf
	return []string{pathFarm16[nibble1 : nibble1+1], pathFarm16[nibble2 : nibble2+1]}
}

func (s *Store) makePath(id, filename string) path {
	return path{
		root: s.path,
		dirs: pathParts(id),
		base: blobname{id: id, filename: filename}.encode(),
	}
}
