package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gamerg21/converter/config"
	"github.com/gamerg21/converter/models"
)

func minioConfig(endpoint string) *config.Config {
	return &config.Config{
		MinIOEndpoint:  strings.TrimPrefix(endpoint, "http://"),
		MinIOAccessKey: "minio",
		MinIOSecretKey: "minio-secret",
		MinIOBucket:    "conversions",
		MinIOBasePath:  "/tenant-a/",
	}
}

func TestMinIOStorage_WriteReadDelete(t *testing.T) {
	fake, srv := newFakeObjectServer(t, "conversions")
	ctx := context.Background()

	s, err := NewMinIOStorage(ctx, minioConfig(srv.URL))
	if err != nil {
		t.Fatalf("NewMinIOStorage failed: %v", err)
	}

	if err := s.WriteFile(ctx, "org-1/outputs/job-1.pdf", []byte("%PDF-1.7")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if data, ok := fake.object("conversions/tenant-a/org-1/outputs/job-1.pdf"); !ok || string(data) != "%PDF-1.7" {
		t.Fatalf("stored object = %q, %v", data, ok)
	}

	got, err := s.ReadFile(ctx, "org-1/outputs/job-1.pdf")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(got) != "%PDF-1.7" {
		t.Fatalf("ReadFile = %q", got)
	}

	if err := s.Delete(ctx, "org-1/outputs/job-1.pdf"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.ReadFile(ctx, "org-1/outputs/job-1.pdf"); !errors.Is(err, models.ErrFileNotFound) {
		t.Fatalf("ReadFile after Delete = %v, want ErrFileNotFound", err)
	}
}

func TestNewMinIOStorage_CreatesMissingBucket(t *testing.T) {
	fake, srv := newFakeObjectServer(t)

	if _, err := NewMinIOStorage(context.Background(), minioConfig(srv.URL)); err != nil {
		t.Fatalf("NewMinIOStorage failed: %v", err)
	}

	if !fake.hasBucket("conversions") {
		t.Fatal("bucket was not created")
	}
}

func TestMinIOStorage_RejectsBadKeys(t *testing.T) {
	_, srv := newFakeObjectServer(t, "conversions")
	ctx := context.Background()

	s, err := NewMinIOStorage(ctx, minioConfig(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"", "  ", "../escape.png"} {
		if err := s.WriteFile(ctx, key, []byte("x")); err == nil {
			t.Errorf("WriteFile(%q) succeeded", key)
		}
	}
}

func TestNewMinIOStorage_RequiresEndpointAndBucket(t *testing.T) {
	if _, err := NewMinIOStorage(context.Background(), &config.Config{MinIOBucket: "b"}); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
	if _, err := NewMinIOStorage(context.Background(), &config.Config{MinIOEndpoint: "localhost:9000"}); err == nil {
		t.Fatal("expected error for empty bucket")
	}
}
