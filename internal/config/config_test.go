package config

import (
	"os"
	"testing"
	"time"
)

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORAGE_DIR", "")
	t.Setenv("PROJECT_FILENAME", "")
	t.Setenv("MELT_PATH", "")
	t.Setenv("GIN_MODE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.StorageDir != "/data/rendering" {
		t.Fatalf("StorageDir = %q", cfg.StorageDir)
	}
	if cfg.ProjectFilename != "cloud_rendering.mlt" {
		t.Fatalf("ProjectFilename = %q", cfg.ProjectFilename)
	}
	if cfg.UploadChunkBytes != 10*1024*1024 {
		t.Fatalf("UploadChunkBytes = %d", cfg.UploadChunkBytes)
	}
	if cfg.RenderTimeout() != 0 {
		t.Fatalf("RenderTimeout should be disabled by default")
	}
	if cfg.ArtifactRetention() != 0 {
		t.Fatalf("ArtifactRetention should be disabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "9000")
	t.Setenv("RENDER_TIMEOUT_MINUTES", "30")
	t.Setenv("MAX_UPLOAD_BYTES", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "9000" {
		t.Fatalf("Port = %q", cfg.Port)
	}
	if cfg.RenderTimeout() != 30*time.Minute {
		t.Fatalf("RenderTimeout = %v", cfg.RenderTimeout())
	}
	if cfg.MaxUploadBytes != 60*1024*1024*1024 {
		t.Fatalf("invalid MAX_UPLOAD_BYTES should fall back to default, got %d", cfg.MaxUploadBytes)
	}
}

func TestValidateRejectsNestedProjectName(t *testing.T) {
	cfg := &Config{
		UploadChunkBytes: 1,
		ProjectFilename:  "data/project.mlt",
		OutputFilename:   "output.mp4",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for nested project filename")
	}
}

func TestValidateOperatorRequiresHash(t *testing.T) {
	cfg := &Config{
		UploadChunkBytes: 1,
		ProjectFilename:  "cloud_rendering.mlt",
		OutputFilename:   "output.mp4",
		OperatorUsername: "ops",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when operator hash is missing")
	}
}
