// ABOUTME: Tests for argument parsing and the colorized log handler
// ABOUTME: Verifies bootstrap flags and that attrs and groups are rendered

package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"
)

func TestParseBootstrapArgs(t *testing.T) {
	tests := []struct {
		args    []string
		want    string
		wantErr bool
	}{
		{[]string{"--username", "admin"}, "admin", false},
		{[]string{"-u", "admin"}, "admin", false},
		{[]string{"--username=admin"}, "admin", false},
		{[]string{"--username"}, "", true},
		{[]string{"--username", "   "}, "", true},
		{[]string{"--name", "admin"}, "", true},
		{[]string{"admin"}, "", true},
		{nil, "", true},
	}
	for _, tt := range tests {
		got, err := parseBootstrapArgs(tt.args)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseBootstrapArgs(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseBootstrapArgs(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestColorHandler(t *testing.T) {
	color.NoColor = true

	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("component", "auth").WithGroup("req").Warn("auth failure", "reason", "token_expired")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record should be filtered at info level")
	}
	for _, want := range []string{"WRN ", "auth failure", "component=auth", "req.reason=token_expired"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if parseLevel("debug") != slog.LevelDebug || parseLevel("bogus") != slog.LevelInfo {
		t.Error("unexpected level mapping")
	}
}
