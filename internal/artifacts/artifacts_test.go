package artifacts

import (
	"context"
	"errors"
	"os"
	"testing"

	"adaptivx/internal/config"
)

func TestDirRoundTrip(t *testing.T) {
	d, err := NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if _, err := d.Get(ctx, "models/bearing.json"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := d.Put(ctx, "models/bearing.json", []byte(`{"k1":0.001}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := d.Get(ctx, "models/bearing.json")
	if err != nil || string(data) != `{"k1":0.001}` {
		t.Fatalf("get: %q %v", data, err)
	}
}

func TestDirRejectsEscape(t *testing.T) {
	root := t.TempDir()
	d, _ := NewDir(root)
	if err := d.Put(context.Background(), "../../escape.bin", []byte("x"), ""); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(root + "/escape.bin"); err != nil {
		t.Fatalf("expected key to be confined to root: %v", err)
	}
	if _, err := d.Get(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestNewDrivers(t *testing.T) {
	s, err := New(config.ArtifactsConfig{Driver: "none"})
	if err != nil || s != nil {
		t.Fatalf("none driver: %v %v", s, err)
	}
	if _, err := New(config.ArtifactsConfig{Driver: "minio"}); err == nil {
		t.Fatalf("expected error for minio without endpoint")
	}
	if _, err := New(config.ArtifactsConfig{Driver: "gcs"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestMinIORoundTrip(t *testing.T) {
	endpoint := os.Getenv("ADAPTIVX_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("ADAPTIVX_TEST_MINIO_ENDPOINT not set")
	}
	m, err := NewMinIO(config.ArtifactsConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("ADAPTIVX_TEST_MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("ADAPTIVX_TEST_MINIO_SECRET_KEY"),
		Bucket:    "adaptivx-test",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	if err := m.Put(ctx, "calibration/test.json", []byte(`{}`), "application/json"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := m.Get(ctx, "calibration/test.json")
	if err != nil || string(data) != `{}` {
		t.Fatalf("get: %q %v", data, err)
	}
}
