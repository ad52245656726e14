package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateRejectsBadNames(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"empty app", Config{GrainID: "g", Command: []string{"/bin/app"}}},
		{"slash app", Config{AppName: "a/b", GrainID: "g", Command: []string{"/bin/app"}}},
		{"empty grain", Config{AppName: "a", Command: []string{"/bin/app"}}},
		{"slash grain", Config{AppName: "a", GrainID: "g/h", Command: []string{"/bin/app"}}},
		{"no command", Config{AppName: "a", GrainID: "g"}},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestValidateDefaultPaths(t *testing.T) {
	cfg := Config{AppName: "wiki", GrainID: "g123", Command: []string{"/bin/app"}}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.PkgPath != "/var/sandstorm/apps/wiki" {
		t.Errorf("pkg path %q", cfg.PkgPath)
	}
	if cfg.VarPath != "/var/sandstorm/grains/g123" {
		t.Errorf("var path %q", cfg.VarPath)
	}
}

func TestRealPathResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}
	got, err := realPath(link)
	if err != nil {
		t.Fatal(err)
	}
	resolved, err := filepath.EvalSymlinks(real)
	if err != nil {
		t.Fatal(err)
	}
	if got != resolved {
		t.Errorf("got %q, want %q", got, resolved)
	}
}

func TestRealPathToleratesMissingLeaf(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "not-created-yet")
	got, err := realPath(missing)
	if err != nil {
		t.Fatal(err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(resolvedDir, "not-created-yet") {
		t.Errorf("got %q", got)
	}
}

func TestRealPathRootChild(t *testing.T) {
	got, err := realPath("/definitely-not-a-real-path-xyz")
	if err != nil {
		t.Fatal(err)
	}
	if got != "/definitely-not-a-real-path-xyz" {
		t.Errorf("got %q", got)
	}
}
