// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package remote_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/luxfi/remote"
)

type memBlobs map[string][]byte

func (m memBlobs) ReadBlob(_ context.Context, key string) ([]byte, error) {
	data, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("%q: %w", key, os.ErrNotExist)
	}
	return data, nil
}

func TestLoad(t *testing.T) {
	srv := newServer(t)
	dev := newDevice(t, srv.ListenWebsocket())
	ctx := testContext(t)

	weights := []float32{0.5, -1, 2, 4}
	blobs := memBlobs{"layer0/weights": remote.EncodeFloat32s(weights)}

	x, err := dev.Load(ctx, blobs, "layer0/weights", remote.Shape{2, 2}, remote.Float32)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := x.Float32s(ctx)
	if err != nil {
		t.Fatalf("Float32s: %v", err)
	}
	if !slices.Equal(got, weights) {
		t.Errorf("got %v, want %v", got, weights)
	}

	if _, err := dev.Load(ctx, blobs, "missing", remote.Shape{1}, remote.Float32); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing blob: got %v, want os.ErrNotExist", err)
	}
	if _, err := dev.Load(ctx, blobs, "layer0/weights", remote.Shape{3}, remote.Float32); !errors.Is(err, remote.ErrShapeMismatch) {
		t.Errorf("wrong shape: got %v, want ErrShapeMismatch", err)
	}
}

func TestDirBlobReader(t *testing.T) {
	dir := t.TempDir()
	data := remote.EncodeInt64s([]int64{7, 8, 9})
	if err := os.MkdirAll(filepath.Join(dir, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a", "b.bin"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	r, prefix, err := remote.OpenBlobReader(dir)
	if err != nil || prefix != "" {
		t.Fatalf("OpenBlobReader: %v, %q", err, prefix)
	}
	got, err := r.ReadBlob(context.Background(), "a/b.bin")
	if err != nil || !slices.Equal(got, data) {
		t.Errorf("ReadBlob: %v, %v", got, err)
	}
	if _, err := r.ReadBlob(context.Background(), "../escape"); !errors.Is(err, remote.ErrInvalidArgument) {
		t.Errorf("escaping key: got %v, want ErrInvalidArgument", err)
	}
	if _, err := r.ReadBlob(context.Background(), "nope"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file: got %v, want os.ErrNotExist", err)
	}
}

func TestOpenBlobReader(t *testing.T) {
	r, prefix, err := remote.OpenBlobReader("gs://models/llama/v1")
	if err != nil {
		t.Fatalf("OpenBlobReader: %v", err)
	}
	gcs, ok := r.(*remote.GCSBlobReader)
	if !ok || gcs.Bucket != "models" || prefix != "llama/v1" {
		t.Errorf("got %T %+v, prefix %q", r, r, prefix)
	}

	for _, location := range []string{"s3://bucket/key", "gs:///key"} {
		if _, _, err := remote.OpenBlobReader(location); !errors.Is(err, remote.ErrInvalidArgument) {
			t.Errorf("%q: got %v, want ErrInvalidArgument", location, err)
		}
	}
}
