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

// Package security collects the small, cross-cutting permission and
// comparison helpers shared by the KV sqlite backend (file/directory
// permissions on the on-disk database) and the session package
// (constant-time comparison for the static operator bearer token).
package security

import (
	"crypto/subtle"
	"os"
	"path/filepath"
	"strings"
)

// sensitivePatterns mirrors filenames that hold secrets or credentials and
// therefore require restrictive permissions.
var sensitivePatterns = []string{
	"secret", "credential", "password", "key", ".pem", "token", "session",
}

// DeterminePermissions returns the file and directory mode a path should be
// created with. Paths that look like they hold secrets get 0600/0700;
// everything else gets 0640/0750.
func DeterminePermissions(path string) (fileMode, dirMode os.FileMode) {
	base := strings.ToLower(filepath.Base(path))
	for _, pattern := range sensitivePatterns {
		if strings.Contains(base, pattern) {
			return 0600, 0700
		}
	}
	return 0640, 0750
}

// ConstantTimeEqual compares two secrets without leaking timing information
// about where they first differ.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still do the comparison so callers relying on this for
		// tokens of varying length don't leak a short-circuit.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
