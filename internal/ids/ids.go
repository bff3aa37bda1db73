// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ids generates chronologically sortable identifiers for runs,
// attempts, and audit events.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a chronologically sortable id of the form
// "YYYYMMDD_HHMMSS_<8-hex>". String-sorting ids sorts them by creation
// time to second resolution; the random suffix keeps ids unique under
// clock skew or same-second creation.
func New(now time.Time) string {
	return fmt.Sprintf("%s_%s", now.UTC().Format("20060102_150405"), randomSuffix())
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read on a supported platform does not fail; if it
		// somehow does, fall back to a fixed but still-unique-enough
		// timestamp-derived suffix rather than panicking mid-tick.
		return fmt.Sprintf("%08x", uint32(time.Now().UnixNano()))
	}
	return hex.EncodeToString(buf)
}
