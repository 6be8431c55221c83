package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	c, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.ShowUnloaded {
		t.Error("default config enables show-unloaded")
	}

	p, err := GetConfigFilePath(configFile)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("default config file not written: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := LoadConfig(); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	maxLen := 128
	want := &Config{
		Aliases:             map[string][]string{"list": {"ls"}},
		ShowUnloaded:        true,
		MaxPrintedStringLen: &maxLen,
		LogOutput:           "imagelist,fileloader",
	}
	if err := SaveConfig(want); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}

	got, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !got.ShowUnloaded {
		t.Error("show-unloaded not round-tripped")
	}
	if got.MaxPrintedStringLen == nil || *got.MaxPrintedStringLen != maxLen {
		t.Error("max-printed-string-len not round-tripped")
	}
	if got.LogOutput != want.LogOutput {
		t.Errorf("log-output = %q, want %q", got.LogOutput, want.LogOutput)
	}
	if len(got.Aliases["list"]) != 1 || got.Aliases["list"][0] != "ls" {
		t.Errorf("aliases = %v", got.Aliases)
	}
}

func TestGetConfigFilePathHonorsXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	p, err := GetConfigFilePath(configFile)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, configDir, configFile); p != want {
		t.Errorf("path = %q, want %q", p, want)
	}
}
