// Copyright 2023 Google LLC
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

package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFormatIncludesSeverityAndPrefixedMessage(t *testing.T) {
	var buf bytes.Buffer
	Init("text", &buf, "facade")
	SetLoggingLevel("INFO")

	Infof("opened %d inodes", 3)

	out := buf.String()
	assert.Contains(t, out, "severity=INFO")
	assert.Contains(t, out, `message="facade: opened 3 inodes"`)
}

func TestJsonFormatProducesParsableRecord(t *testing.T) {
	var buf bytes.Buffer
	Init("json", &buf, "fsck")
	SetLoggingLevel("DEBUG")

	Warnf("repairing inode %d", 42)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARNING", rec["severity"])
	assert.Equal(t, "fsck: repairing inode 42", rec["message"])
}

func TestSetLoggingLevelFiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	Init("text", &buf, "")
	SetLoggingLevel("WARNING")

	Infof("should not appear")
	Errorf("should appear")

	out := buf.String()
	assert.False(t, strings.Contains(out, "should not appear"))
	assert.True(t, strings.Contains(out, "should appear"))
}

func TestSetLoggingLevelOffSuppressesEverything(t *testing.T) {
	var buf bytes.Buffer
	Init("text", &buf, "")
	SetLoggingLevel("OFF")

	Errorf("silenced")

	assert.Empty(t, buf.String())
}
