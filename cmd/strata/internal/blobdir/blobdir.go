// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package blobdir implements migrate.Dir over a blob storage bucket,
// letting batch directories live in S3, GCS or Azure Blob Storage:
//
//	s3://bucket/path/to/migrations?region=us-east-1
//	gs://bucket/migrations
//	azblob://container/migrations
package blobdir

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/stratadb/strata/sql/migrate"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// Dir is a migrate.Dir reading and writing batch files as objects of
// a blob storage bucket. The bucket keys are flat, objects grouped
// under nested prefixes are not part of the directory.
type Dir struct {
	// The migrate.Dir interface carries no contexts, so the Dir is
	// bound to the one it was opened with.
	ctx    context.Context
	bucket *blob.Bucket
}

// New returns a Dir reading from and writing to the given bucket.
func New(ctx context.Context, b *blob.Bucket) *Dir {
	return &Dir{ctx: ctx, bucket: b}
}

// Open opens the bucket the URL points at and roots the directory at
// the URL path. The scheme selects the storage provider.
func Open(ctx context.Context, urlstr string) (*Dir, error) {
	u, err := url.Parse(urlstr)
	if err != nil {
		return nil, err
	}
	// Providers differ in how they treat the URL path, so it is
	// stripped here and applied as a key prefix instead.
	prefix := strings.Trim(u.Path, "/")
	u.Path = ""
	b, err := blob.OpenBucket(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("blobdir: opening bucket %q: %w", u.Redacted(), err)
	}
	if prefix != "" {
		b = blob.PrefixedBucket(b, prefix+"/")
	}
	return New(ctx, b), nil
}

// Open implements fs.FS.
func (d *Dir) Open(name string) (fs.File, error) {
	b, err := d.bucket.ReadAll(d.ctx, name)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		return nil, err
	}
	return &blobFile{name: name, Reader: *bytes.NewReader(b)}, nil
}

// WriteFile implements migrate.Dir.WriteFile.
func (d *Dir) WriteFile(name string, b []byte) error {
	return d.bucket.WriteAll(d.ctx, name, b, nil)
}

// Files implements migrate.Dir.Files.
func (d *Dir) Files() ([]migrate.File, error) {
	var names []string
	it := d.bucket.List(&blob.ListOptions{Delimiter: "/"})
	for {
		obj, err := it.Next(d.ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("blobdir: listing bucket: %w", err)
		}
		if obj.IsDir || !strings.HasSuffix(obj.Key, migrate.Ext) {
			continue
		}
		names = append(names, obj.Key)
	}
	files := make([]migrate.File, 0, len(names))
	for _, name := range names {
		b, err := d.bucket.ReadAll(d.ctx, name)
		if err != nil {
			return nil, fmt.Errorf("blobdir: reading %q: %w", name, err)
		}
		f := migrate.NewLocalFile(name, b)
		if f.Version() == "" {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].Version() != files[j].Version() {
			return files[i].Version() < files[j].Version()
		}
		return files[i].Name() < files[j].Name()
	})
	return files, nil
}

// Checksum implements migrate.Dir.Checksum.
func (d *Dir) Checksum() (migrate.HashFile, error) {
	files, err := d.Files()
	if err != nil {
		return nil, err
	}
	return migrate.NewHashFile(files)
}

// Close releases the connection to the bucket.
func (d *Dir) Close() error {
	return d.bucket.Close()
}

type blobFile struct {
	name string
	bytes.Reader
}

func (f *blobFile) Stat() (fs.FileInfo, error) { return f, nil }
func (f *blobFile) Close() error               { return nil }
func (f *blobFile) Name() string               { return f.name }
func (f *blobFile) Size() int64                { return f.Reader.Size() }
func (f *blobFile) Mode() fs.FileMode          { return 0644 }
func (f *blobFile) ModTime() time.Time         { return time.Time{} }
func (f *blobFile) IsDir() bool                { return false }
func (f *blobFile) Sys() interface{}           { return nil }
