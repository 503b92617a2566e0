package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Name  string `yaml:"name" toml:"name"`
	Count int    `yaml:"count" toml:"count"`
}

func (s *sample) Validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	return nil
}

func write(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAMLExpandsEnv(t *testing.T) {
	t.Setenv("SAMPLE_NAME", "yaml")
	var s sample
	if err := Load(write(t, "c.yaml", "name: ${SAMPLE_NAME}\ncount: 2\n"), &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "yaml" || s.Count != 2 {
		t.Errorf("got %+v", s)
	}
}

func TestLoadTOML(t *testing.T) {
	var s sample
	if err := Load(write(t, "c.TOML", "name = \"toml\"\ncount = 3\n"), &s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Name != "toml" || s.Count != 3 {
		t.Errorf("got %+v", s)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	var s sample
	err := Load(write(t, "c.yaml", "count: 1\n"), &s)
	if err == nil || !strings.Contains(err.Error(), "name is required") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadWithDefaults(t *testing.T) {
	fallback := write(t, "default.yaml", "name: fallback\n")
	var s sample
	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "missing.yaml"), fallback, &s); err != nil {
		t.Fatalf("LoadWithDefaults: %v", err)
	}
	if s.Name != "fallback" {
		t.Errorf("name = %q", s.Name)
	}

	if err := LoadWithDefaults(filepath.Join(t.TempDir(), "missing.yaml"), "", &s); err == nil {
		t.Error("expected error without a default file")
	}
}
