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

// Package backingstore resolves a path within the mount to the
// source-control object identifier that backs it, the one piece of the
// overlay's environment this module does not itself implement: spec.md
// treats "the backing store" as an external dependency the facade and
// fsck call through a PathResolver function, never as a concrete client.
// This package supplies one concrete PathResolver, backed by a GCS
// bucket, following the teacher's own storage-client wiring
// (benchmarks/concurrent_read/readers/google.go: a *storage.Client built
// from an OAuth2 token source, scoped down to one bucket handle).
package backingstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/overlayfs/overlay/overlay"
	"github.com/overlayfs/overlay/common"
)

// GCSStore resolves overlay paths against objects in a single GCS bucket:
// the object's generation-scoped CRC32C digest (reduced to an ObjectID
// via sha256, since overlay.ObjectID is opaque and only ever compared for
// byte-equality) stands in for the source-control object identifier.
type GCSStore struct {
	bucket *storage.BucketHandle
}

// Open builds a GCSStore for bucketName, authenticating with the
// environment's application-default credentials the way
// google.DefaultTokenSource does for the teacher's benchmark readers.
func Open(ctx context.Context, bucketName string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucketName == "" {
		return nil, errors.New("backingstore: bucket name must not be empty")
	}
	tokenSrc, err := google.DefaultTokenSource(ctx, storage.ScopeReadOnly)
	if err != nil {
		return nil, fmt.Errorf("backingstore: default token source: %w", err)
	}
	allOpts := append([]option.ClientOption{option.WithTokenSource(tokenSrc)}, opts...)
	client, err := storage.NewClient(ctx, allOpts...)
	if err != nil {
		return nil, fmt.Errorf("backingstore: new client: %w", err)
	}
	return &GCSStore{bucket: client.Bucket(bucketName)}, nil
}

// Resolve implements overlay/fsck.PathResolver: it looks up path as an
// object name in the bucket and derives a stable ObjectID from its
// generation and digest. A missing object is reported as ok=false, not
// an error.
func (s *GCSStore) Resolve(path string) (overlay.ObjectID, bool, error) {
	attrs, err := s.bucket.Object(path).Attrs(context.Background())
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("backingstore: stat %q: %w", path, err)
	}
	return objectID(attrs), true, nil
}

// ReadInto copies the named object's full contents into the content
// store at inode's path, for materializing a dematerialized entry on
// first write. It is intentionally narrow: the overlay never partially
// hydrates an object from source control.
func (s *GCSStore) ReadInto(ctx context.Context, path string, inode overlay.InodeNumber, write func(io []byte) error) error {
	r, err := s.bucket.Object(path).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("backingstore: opening %q for inode %d: %w", path, inode, err)
	}
	defer r.Close()

	var buf bytes.Buffer
	buf.Grow(int(r.Attrs.Size))
	if _, err := common.CopyWhole(&buf, r, r.Attrs.Size); err != nil {
		return fmt.Errorf("backingstore: reading %q for inode %d: %w", path, inode, err)
	}
	return write(buf.Bytes())
}

// ListPrefix enumerates every object name directly under prefix, one
// path segment deep, for fsck's Resolver to reconstruct what source
// control currently has at a given directory when repairing an orphan.
func (s *GCSStore) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("backingstore: listing %q: %w", prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func objectID(attrs *storage.ObjectAttrs) overlay.ObjectID {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%d:%d", attrs.Name, attrs.Generation, attrs.CRC32C)
	return overlay.ObjectID(h.Sum(nil))
}
