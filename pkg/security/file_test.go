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

package security

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeterminePermissions(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		expectedFile os.FileMode
		expectedDir  os.FileMode
		description  string
	}{
		{
			name:         "session db",
			path:         "/var/lib/deploygraphd/session.db",
			expectedFile: 0600,
			expectedDir:  0700,
			description:  "session pattern should get 0600/0700",
		},
		{
			name:         "SESSION.DB uppercase",
			path:         "/tmp/SESSION.DB",
			expectedFile: 0600,
			expectedDir:  0700,
			description:  "case insensitive session pattern",
		},
		{
			name:         "api key file",
			path:         "/etc/deploygraphd/anthropic.key",
			expectedFile: 0600,
			expectedDir:  0700,
			description:  "key pattern",
		},
		{
			name:         "credentials.json",
			path:         "credentials.json",
			expectedFile: 0600,
			expectedDir:  0700,
			description:  "credential pattern",
		},
		{
			name:         "token store",
			path:         "/data/operator-token.bin",
			expectedFile: 0600,
			expectedDir:  0700,
			description:  "token pattern",
		},
		{
			name:         "tls cert pem",
			path:         "/etc/ssl/private/server.pem",
			expectedFile: 0600,
			expectedDir:  0700,
			description:  ".pem pattern",
		},
		{
			name:         "plain kv data file",
			path:         "/var/lib/deploygraphd/kv.db",
			expectedFile: 0640,
			expectedDir:  0750,
			description:  "non-sensitive path should get 0640/0750",
		},
		{
			name:         "checkpoint manifest",
			path:         "/var/lib/deploygraphd/checkpoints/manifest.json",
			expectedFile: 0640,
			expectedDir:  0750,
			description:  "non-sensitive nested path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fileMode, dirMode := DeterminePermissions(tt.path)
			assert.Equal(t, tt.expectedFile, fileMode, tt.description)
			assert.Equal(t, tt.expectedDir, dirMode, tt.description)
		})
	}
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("operator-secret", "operator-secret"))
	assert.False(t, ConstantTimeEqual("operator-secret", "operator-wrong"))
	assert.False(t, ConstantTimeEqual("short", "much-longer-value"))
	assert.True(t, ConstantTimeEqual("", ""))
}
