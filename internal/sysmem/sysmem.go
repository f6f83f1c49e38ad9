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

// Package sysmem reports system memory pressure.  The ingestion
// pipeline depends on the UsageFunc capability rather than this
// package's OS query so tests can substitute a deterministic provider.
package sysmem

import (
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
)

// UsageFunc reports the current system memory usage as a percentage
// of total memory.
type UsageFunc func() (float64, error)

// Usage is the OS-backed UsageFunc.
func Usage() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, errors.Wrap(err, "querying virtual memory")
	}
	return vm.UsedPercent, nil
}
