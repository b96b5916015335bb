package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeArgs(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantLen int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"null", "null", 0, false},
		{"object", `{"city":"Austin","n":2}`, 2, false},
		{"array", `[1,2]`, 0, true},
		{"garbage", `{`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeArgs(json.RawMessage(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestExecutionsRun(t *testing.T) {
	e := Executions{
		"echo": func(_ context.Context, args map[string]any) (string, error) {
			s, _ := args["text"].(string)
			return s, nil
		},
	}

	out, err := e.Run(context.Background(), "echo", json.RawMessage(`{"text":"hi"}`))
	if err != nil || out != "hi" {
		t.Fatalf("Run(echo) = %q, %v", out, err)
	}

	_, err = e.Run(context.Background(), "missing", nil)
	var unavailable *ErrToolUnavailable
	if !errors.As(err, &unavailable) || unavailable.ToolName != "missing" {
		t.Errorf("err = %v, want ErrToolUnavailable for missing", err)
	}
}

func TestSetSchemasSortedAndDefaulted(t *testing.T) {
	s := NewSet(
		&Definition{Name: "b", Description: "second"},
		&Definition{Name: "a", Description: "first", Schema: map[string]any{"type": "object"}},
	)

	schemas := s.Schemas()
	if len(schemas) != 2 {
		t.Fatalf("len = %d", len(schemas))
	}
	first := schemas[0]["function"].(map[string]any)
	if first["name"] != "a" {
		t.Errorf("first schema = %v, want a", first["name"])
	}
	second := schemas[1]["function"].(map[string]any)
	if second["parameters"] == nil {
		t.Error("missing default parameters for b")
	}
}

func TestSetExecutionsSkipsClientSideTools(t *testing.T) {
	run := func(context.Context, map[string]any) (string, error) { return "", nil }
	s := NewSet(
		&Definition{Name: "server", Execute: run},
		&Definition{Name: "client"},
	)

	e := s.Executions()
	if _, ok := e["server"]; !ok {
		t.Error("server tool missing from executions")
	}
	if _, ok := e["client"]; ok {
		t.Error("client-side tool should have no execution")
	}
}

func TestAutoExecutable(t *testing.T) {
	run := func(context.Context, map[string]any) (string, error) { return "", nil }
	tests := []struct {
		name string
		def  *Definition
		want bool
	}{
		{"nil", nil, false},
		{"no execute", &Definition{Name: "x"}, false},
		{"auto", &Definition{Name: "x", Execute: run}, true},
		{"needs confirmation", &Definition{Name: "x", Execute: run, RequiresConfirmation: true}, false},
	}
	for _, tt := range tests {
		if got := tt.def.AutoExecutable(); got != tt.want {
			t.Errorf("%s: AutoExecutable() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestConversationIDFromContext(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"default when unset", context.Background(), "default"},
		{"round trip", WithConversationID(context.Background(), "conv-123"), "conv-123"},
		{"empty string returns default", WithConversationID(context.Background(), ""), "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ConversationIDFromContext(tt.ctx); got != tt.want {
				t.Errorf("ConversationIDFromContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "web_search"}
	want := `tool "web_search" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
