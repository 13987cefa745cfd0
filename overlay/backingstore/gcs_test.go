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

package backingstore

import (
	"context"
	"testing"

	"github.com/fsouza/fake-gcs-server/fakestorage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *GCSStore {
	t.Helper()
	server, err := fakestorage.NewServerWithOptions(fakestorage.Options{
		InitialObjects: []fakestorage.Object{
			{
				ObjectAttrs: fakestorage.ObjectAttrs{BucketName: "overlay-test", Name: "src/hello.txt"},
				Content:     []byte("hello from source control"),
			},
		},
	})
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	return &GCSStore{bucket: server.Client().Bucket("overlay-test")}
}

func TestGCSStore_ResolveFound(t *testing.T) {
	s := newTestStore(t)

	id, ok, err := s.Resolve("src/hello.txt")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, id)
}

func TestGCSStore_ResolveMissing(t *testing.T) {
	s := newTestStore(t)

	id, ok, err := s.Resolve("src/does-not-exist.txt")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, id)
}

func TestGCSStore_ReadInto(t *testing.T) {
	s := newTestStore(t)

	var got []byte
	err := s.ReadInto(context.Background(), "src/hello.txt", 42, func(data []byte) error {
		got = append([]byte(nil), data...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "hello from source control", string(got))
}

func TestGCSStore_ListPrefix(t *testing.T) {
	s := newTestStore(t)

	names, err := s.ListPrefix(context.Background(), "src/")
	require.NoError(t, err)
	require.Contains(t, names, "src/hello.txt")
}
