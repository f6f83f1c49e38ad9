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

// Package config loads the TOML run configuration.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds every tunable of an ingestion run.  Zero values are
// filled from Default, so a partial file only overrides what it names.
type Config struct {
	// Database is the SQLite database path.
	Database string `toml:"database"`

	// MboxDir is the directory scanned for mailbox files.
	MboxDir string `toml:"mbox_dir"`

	// AttachmentDir is the root of the attachment blob store.
	AttachmentDir string `toml:"attachment_dir"`

	// Keywords are matched case-insensitively against message
	// bodies and recorded per message.
	Keywords []string `toml:"keywords"`

	// LogFile receives a copy of the run log alongside stderr.
	LogFile string `toml:"log_file"`

	// Timezone names the IANA location used to render message
	// dates.
	Timezone string `toml:"timezone"`

	BatchSize        int     `toml:"batch_size"`
	MaxMemoryPercent float64 `toml:"max_memory_percent"`

	// OCRBinary is the text-recognition command run over stored
	// attachments.
	OCRBinary string `toml:"ocr_binary"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database:         "emails.db",
		MboxDir:          "data",
		AttachmentDir:    "attachments",
		Keywords:         []string{"urgent", "legal", "contract"},
		LogFile:          "logs/email_processing.log",
		Timezone:         "America/Los_Angeles",
		BatchSize:        100,
		MaxMemoryPercent: 80,
		OCRBinary:        "tesseract",
	}
}

// Load reads the configuration file at path over the defaults.  A
// missing file is not an error: the defaults stand.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, errors.Wrapf(err, "reading config %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("config %s has unknown keys: %v", path, undecoded)
	}
	return cfg, nil
}
