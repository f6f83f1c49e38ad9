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
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
	"lukechampine.com/blake3"
)

// HashFile returns a stable hex digest over the file's bytes, used to
// detect unchanged mailbox files across runs.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %s for hashing", path)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "hashing %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LoadFileCache reads the path-to-content-hash cache from a JSON file.
// A missing or unreadable cache yields an empty map: the worst case is
// reprocessing files the database already ignores.
func LoadFileCache(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("ingest: reading file cache %s: %v", path, err)
		}
		return make(map[string]string)
	}

	cache := make(map[string]string)
	if err := json.Unmarshal(data, &cache); err != nil {
		log.Printf("ingest: invalid file cache %s, rebuilding: %v", path, err)
		return make(map[string]string)
	}
	return cache
}

// SaveFileCache writes the cache to a JSON file via a temporary file
// and rename, so a crash mid-write cannot corrupt the cache.
func SaveFileCache(path string, cache map[string]string) error {
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding file cache")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return errors.Wrapf(err, "writing file cache %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "replacing file cache %s", path)
	}
	return nil
}
