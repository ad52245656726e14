package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func pathsConfig(t *testing.T, isNew bool) *Config {
	t.Helper()
	dir := t.TempDir()
	pkg := filepath.Join(dir, "pkg")
	if err := os.Mkdir(pkg, 0755); err != nil {
		t.Fatal(err)
	}
	return &Config{
		AppName: "app",
		GrainID: "grain1",
		PkgPath: pkg,
		VarPath: filepath.Join(dir, "grain"),
		Command: []string{"/bin/app"},
		IsNew:   isNew,
	}
}

func TestCheckPathsCreatesNewGrain(t *testing.T) {
	cfg := pathsConfig(t, true)
	if err := checkPaths(cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cfg.VarPath, "sandbox")); err != nil {
		t.Errorf("sandbox dir not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.VarPath, "log")); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}

func TestCheckPathsGrainAlreadyExists(t *testing.T) {
	cfg := pathsConfig(t, true)
	if err := os.Mkdir(cfg.VarPath, 0770); err != nil {
		t.Fatal(err)
	}
	err := checkPaths(cfg)
	var userErr *UserError
	if !errors.As(err, &userErr) {
		t.Fatalf("expected UserError, got %v", err)
	}
	if userErr.Msg != "Grain already exists: grain1" {
		t.Errorf("message %q", userErr.Msg)
	}
}

func TestCheckPathsNoSuchGrain(t *testing.T) {
	cfg := pathsConfig(t, false)
	err := checkPaths(cfg)
	var userErr *UserError
	if !errors.As(err, &userErr) {
		t.Fatalf("expected UserError, got %v", err)
	}
	if userErr.Msg != "No such grain: grain1" {
		t.Errorf("message %q", userErr.Msg)
	}
}

func TestCheckPathsExistingGrain(t *testing.T) {
	cfg := pathsConfig(t, false)
	if err := os.MkdirAll(filepath.Join(cfg.VarPath, "sandbox"), 0770); err != nil {
		t.Fatal(err)
	}
	if err := checkPaths(cfg); err != nil {
		t.Fatal(err)
	}
}

func TestCheckPathsMissingPackage(t *testing.T) {
	cfg := pathsConfig(t, true)
	cfg.PkgPath = filepath.Join(t.TempDir(), "nope")
	if err := checkPaths(cfg); err == nil {
		t.Error("expected error for missing package")
	}
}
