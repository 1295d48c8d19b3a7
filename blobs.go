// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"k8s.io/klog/v2"
)

// BlobReader fetches raw tensor contents by key. A missing blob is reported
// as an error wrapping os.ErrNotExist.
type BlobReader interface {
	ReadBlob(ctx context.Context, key string) ([]byte, error)
}

// GCSBlobReader reads blobs from a Google Cloud Storage bucket.
type GCSBlobReader struct {
	Bucket string

	// Client is used when set; otherwise a client is created per read.
	Client *storage.Client
}

var _ BlobReader = (*GCSBlobReader)(nil)

func (g *GCSBlobReader) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	log := klog.FromContext(ctx)
	gcsURL := "gs://" + g.Bucket + "/" + key

	client := g.Client
	if client == nil {
		c, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating GCS storage client: %w", err)
		}
		defer c.Close()
		client = c
	}

	startedAt := time.Now()
	r, err := client.Bucket(g.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%q: %w", gcsURL, os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening object from GCS %q: %w", gcsURL, err)
	}
	defer r.Close()

	if r.Attrs.Size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %q is %d bytes, larger than a frame", ErrInvalidArgument, gcsURL, r.Attrs.Size)
	}
	data, err := readLimited(r, gcsURL)
	if err != nil {
		return nil, err
	}

	log.V(2).Info("read blob from GCS", "source", gcsURL, "bytes", len(data), "duration", time.Since(startedAt))
	return data, nil
}

// DirBlobReader reads blobs from files below Dir.
type DirBlobReader struct {
	Dir string
}

var _ BlobReader = DirBlobReader{}

func (d DirBlobReader) ReadBlob(ctx context.Context, key string) ([]byte, error) {
	if !filepath.IsLocal(key) {
		return nil, fmt.Errorf("%w: blob key %q escapes %s", ErrInvalidArgument, key, d.Dir)
	}
	p := filepath.Join(d.Dir, filepath.FromSlash(key))
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	defer f.Close()
	return readLimited(f, p)
}

func readLimited(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFrameSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading blob %q: %w", name, err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: blob %q is larger than a frame", ErrInvalidArgument, name)
	}
	return data, nil
}

// OpenBlobReader returns a reader for a location such as "gs://bucket/prefix"
// or a local directory path, along with the key prefix inside it.
func OpenBlobReader(location string) (BlobReader, string, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		dir := location
		if err == nil && u.Scheme == "file" {
			dir = u.Path
		}
		return DirBlobReader{Dir: dir}, "", nil
	}
	if u.Scheme != "gs" {
		return nil, "", fmt.Errorf("%w: unsupported blob location %q", ErrInvalidArgument, location)
	}
	if u.Host == "" {
		return nil, "", fmt.Errorf("%w: blob location %q has no bucket", ErrInvalidArgument, location)
	}
	return &GCSBlobReader{Bucket: u.Host}, strings.TrimPrefix(u.Path, "/"), nil
}

// Load reads the blob stored under key and uploads it as a tensor of the
// given shape and dtype.
func (d *Device) Load(ctx context.Context, r BlobReader, key string, shape Shape, dtype DType) (*Tensor, error) {
	data, err := r.ReadBlob(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading %q: %w", key, err)
	}
	return d.Upload(ctx, shape, dtype, data)
}
