// Copyright 2025 Google LLC
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

package overlay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTripPreservesEntriesAndOrder(t *testing.T) {
	d := NewDirectoryContents(true)
	require.NoError(t, d.Add(DirEntry{Name: "a", Mode: EntryMode(ModeTypeDirectory | 0755), InodeNumber: 2}))
	require.NoError(t, d.Add(DirEntry{
		Name: "b", Mode: EntryMode(ModeTypeRegular | 0644), InodeNumber: 3,
		ObjectID: ObjectID("0123012301230123"),
	}))
	require.NoError(t, d.Add(DirEntry{Name: "link", Mode: EntryMode(ModeTypeSymlink | 0777), InodeNumber: 4}))

	decoded, err := DecodeDirectory(EncodeDirectory(d), true)
	require.NoError(t, err)
	require.Equal(t, d.Len(), decoded.Len())
	for i, want := range d.Entries() {
		got := decoded.Entries()[i]
		require.Equal(t, want.Name, got.Name)
		require.Equal(t, want.Mode, got.Mode)
		require.Equal(t, want.InodeNumber, got.InodeNumber)
		require.True(t, want.ObjectID.Equal(got.ObjectID))
	}
}

func TestCodec_EmptyDirectoryRoundTrips(t *testing.T) {
	d := NewDirectoryContents(false)
	decoded, err := DecodeDirectory(EncodeDirectory(d), false)
	require.NoError(t, err)
	require.Equal(t, 0, decoded.Len())
}

func TestCodec_MaxLengthNameRoundTrips(t *testing.T) {
	// 255 bytes is the longest component most host filesystems accept.
	name := strings.Repeat("n", 255)
	d := NewDirectoryContents(true)
	require.NoError(t, d.Add(DirEntry{Name: name, Mode: EntryMode(ModeTypeRegular | 0644), InodeNumber: 9}))

	decoded, err := DecodeDirectory(EncodeDirectory(d), true)
	require.NoError(t, err)
	entry, ok := decoded.Get(name)
	require.True(t, ok)
	require.Equal(t, InodeNumber(9), entry.InodeNumber)
}

func TestCodec_UnsupportedVersionFailsToDecode(t *testing.T) {
	data := EncodeDirectory(NewDirectoryContents(true))
	data[0] = 0xFF
	_, err := DecodeDirectory(data, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "version")
}

func TestCodec_TruncatedRecordFailsToDecode(t *testing.T) {
	d := NewDirectoryContents(true)
	require.NoError(t, d.Add(DirEntry{Name: "victim", Mode: EntryMode(ModeTypeRegular | 0644), InodeNumber: 2}))
	data := EncodeDirectory(d)

	_, err := DecodeDirectory(data[:len(data)-4], true)
	require.Error(t, err)
}
