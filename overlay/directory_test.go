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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(name string, inode InodeNumber) DirEntry {
	return DirEntry{Name: name, Mode: EntryMode(ModeTypeRegular | 0644), InodeNumber: inode}
}

func TestDirectoryContents_AddRejectsInvalidNames(t *testing.T) {
	d := NewDirectoryContents(true)
	assert.Error(t, d.Add(entry("", 2)))
	assert.Error(t, d.Add(entry("a/b", 2)))
	assert.Error(t, d.Add(DirEntry{Name: "ok", Mode: EntryMode(ModeTypeRegular)}))

	require.NoError(t, d.Add(entry("ok", 2)))
	assert.Error(t, d.Add(entry("ok", 3)))
}

func TestDirectoryContents_CaseInsensitiveLookupAndUniqueness(t *testing.T) {
	d := NewDirectoryContents(false)
	require.NoError(t, d.Add(entry("README", 2)))

	got, ok := d.Get("readme")
	require.True(t, ok)
	assert.Equal(t, "README", got.Name)

	assert.Error(t, d.Add(entry("ReadMe", 3)))
}

func TestDirectoryContents_RemovePreservesOrder(t *testing.T) {
	d := NewDirectoryContents(true)
	for i, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Add(entry(name, InodeNumber(i+2))))
	}

	removed, ok := d.Remove("b")
	require.True(t, ok)
	assert.Equal(t, InodeNumber(3), removed.InodeNumber)

	var names []string
	for _, e := range d.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "c", "d"}, names)

	// Index stays consistent after the shift.
	got, ok := d.Get("d")
	require.True(t, ok)
	assert.Equal(t, InodeNumber(5), got.InodeNumber)

	_, ok = d.Remove("b")
	assert.False(t, ok)
}

func TestDirectoryContents_RenameWithinDirectory(t *testing.T) {
	d := NewDirectoryContents(true)
	require.NoError(t, d.Add(entry("old", 2)))
	require.NoError(t, d.Add(entry("blocker", 3)))

	assert.Error(t, d.Rename("old", "blocker"))
	require.NoError(t, d.Rename("old", "new"))

	_, ok := d.Get("old")
	assert.False(t, ok)
	got, ok := d.Get("new")
	require.True(t, ok)
	assert.Equal(t, InodeNumber(2), got.InodeNumber)
}

func TestDirectoryContents_MaterializationPredicates(t *testing.T) {
	d := NewDirectoryContents(true)
	withID := entry("clean", 2)
	withID.ObjectID = ObjectID("id")
	require.NoError(t, d.Add(withID))
	assert.False(t, d.AnyMaterialized())
	assert.True(t, d.AllDematerialized())

	require.NoError(t, d.Add(entry("dirty", 3)))
	assert.True(t, d.AnyMaterialized())
	assert.False(t, d.AllDematerialized())
}

func TestDirEntry_CloneDoesNotAliasObjectID(t *testing.T) {
	e := entry("x", 2)
	e.ObjectID = ObjectID("abcd")
	c := e.Clone()
	c.ObjectID[0] = 'z'
	assert.Equal(t, byte('a'), e.ObjectID[0])
}
