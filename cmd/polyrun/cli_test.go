package main

import (
	"log/slog"
	"testing"
	"time"

	"github.com/polyrun/polyrun/config"
	"github.com/polyrun/polyrun/value"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name string
		arg  string
		want value.Kind
	}{
		{"json number", "3", value.KindInt},
		{"json float", "2.5", value.KindFloat},
		{"json bool", "true", value.KindBool},
		{"json string", `"quoted"`, value.KindText},
		{"json list", "[1, 2]", value.KindList},
		{"json record", `{"a": 1}`, value.KindRecord},
		{"bare word falls back to text", "world", value.KindText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseArgs([]string{tt.arg})
			if len(got) != 1 {
				t.Fatalf("parseArgs() returned %d values, want 1", len(got))
			}
			if got[0].Kind() != tt.want {
				t.Errorf("parseArgs(%q) kind = %v, want %v", tt.arg, got[0].Kind(), tt.want)
			}
		})
	}

	// Bare words keep their raw text rather than erroring out.
	got := parseArgs([]string{"world"})
	if s, _ := got[0].Text(); s != "world" {
		t.Errorf("bare word = %q, want world", s)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLanguageForFile(t *testing.T) {
	cfg := &config.Config{
		PoolSize:       1,
		DefaultTimeout: time.Second,
		Languages: map[string]config.Language{
			"py": {Kind: config.KindSubprocess, Extension: ".py"},
			"rb": {Kind: config.KindSubprocess, Extension: ".rb"},
		},
	}

	tests := []struct {
		name     string
		langFlag string
		filename string
		want     string
		wantErr  bool
	}{
		{"explicit flag", "py", "", "py", false},
		{"flag beats extension", "rb", "script.py", "rb", false},
		{"unconfigured flag", "lua", "", "", true},
		{"extension match", "", "script.py", "py", false},
		{"extension case-insensitive", "", "SCRIPT.PY", "py", false},
		{"unknown extension", "", "script.lua", "", true},
		{"no flag and no file", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := languageForFile(cfg, tt.langFlag, tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Fatal("languageForFile() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("languageForFile() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("languageForFile() = %q, want %q", got, tt.want)
			}
		})
	}
}
