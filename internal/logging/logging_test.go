package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		level   string
		format  string
		wantErr bool
	}{
		{"", "", false},
		{"INFO", "text", false},
		{"debug", "json", false},
		{"warn", "logfmt", false},
		{"loud", "text", true},
		{"info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			_, err := New(tt.level, tt.format, &bytes.Buffer{})
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q, %q) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
			}
		})
	}
}

func TestComponentTagsOutput(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("info", "logfmt", &buf)
	if err != nil {
		t.Fatal(err)
	}

	Component(logger, "store").Info("created", "session", "abc")

	out := buf.String()
	if !strings.Contains(out, "component=store") {
		t.Errorf("output %q missing component", out)
	}
	if !strings.Contains(out, "session=abc") {
		t.Errorf("output %q missing session key", out)
	}
}

func TestComponentNilLogger(t *testing.T) {
	if Component(nil, "x") == nil {
		t.Fatal("Component(nil) returned nil")
	}
}
