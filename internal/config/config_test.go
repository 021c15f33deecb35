package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFileReturnsEmpty(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DefaultPort != 0 {
		t.Fatalf("expected zero-value config, got %+v", cfg)
	}
}

func TestLoadFromParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("default_host: 0.0.0.0\ndefault_port: 7777\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.DefaultHost != "0.0.0.0" || cfg.DefaultPort != 7777 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestValidateSessionName(t *testing.T) {
	cases := []struct {
		name    string
		wantErr bool
	}{
		{"", false},
		{"a", false},
		{"my-session.1", false},
		{"My_Session", false},
		{"-leading-dash", true},
		{".leading-dot", true},
		{"has space", true},
		{"has/slash", true},
	}
	for _, c := range cases {
		err := ValidateSessionName(c.name)
		if (err != nil) != c.wantErr {
			t.Errorf("ValidateSessionName(%q): err=%v, wantErr=%v", c.name, err, c.wantErr)
		}
	}
}

func TestWorkspaceDirLayout(t *testing.T) {
	root := "/home/user/project"
	dir := WorkspaceDir(root, "")
	base := filepath.Base(dir)
	if len(base) < len("project-")+12 {
		t.Fatalf("unexpected workspace dir basename: %q", base)
	}
	if base[:len("project-")] != "project-" {
		t.Fatalf("expected basename to start with sanitized project name, got %q", base)
	}

	named := WorkspaceDir(root, "feature-x")
	if filepath.Base(named) != "feature-x" {
		t.Fatalf("expected sessions/<name> suffix, got %q", named)
	}
	if filepath.Base(filepath.Dir(named)) != "sessions" {
		t.Fatalf("expected parent dir 'sessions', got %q", filepath.Dir(named))
	}
}

func TestWorkspaceHashStable(t *testing.T) {
	h1 := WorkspaceHash("/a/b/c")
	h2 := WorkspaceHash("/a/b/c")
	if h1 != h2 {
		t.Fatalf("hash not stable: %q vs %q", h1, h2)
	}
	if len(h1) != 12 {
		t.Fatalf("expected 12-char hash, got %q", h1)
	}
	if WorkspaceHash("/a/b/d") == h1 {
		t.Fatalf("expected different paths to hash differently")
	}
}
