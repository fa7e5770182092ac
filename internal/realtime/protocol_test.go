package realtime

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

var testDecoder = Decoder{
	MaxCodeSize: 100,
	KnownLanguage: func(lang string) bool {
		return lang == "python" || lang == "javascript"
	},
}

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			"join",
			`{"type":"join_session","data":{"client_id":" u1 ","display_name":"Bob"}}`,
			JoinSession{ClientID: "u1", DisplayName: "Bob", Role: "participant"},
		},
		{
			"join default name and role",
			`{"type":"join_session","data":{"client_id":"u1","role":"viewer"}}`,
			JoinSession{ClientID: "u1", DisplayName: "Anonymous", Role: "viewer"},
		},
		{
			"code update with cursor",
			`{"type":"code_update","data":{"code":"x=1","language":"Python","cursor_position":{"line":2,"column":3}}}`,
			CodeUpdate{Code: "x=1", Language: "python", CursorPosition: &CursorPosition{Line: 2, Column: 3}},
		},
		{
			"code update may be empty",
			`{"type":"code_update","data":{"code":"","language":"python"}}`,
			CodeUpdate{Code: "", Language: "python"},
		},
		{
			"language change",
			`{"type":"language_change","data":{"language":"javascript"}}`,
			LanguageChange{Language: "javascript"},
		},
		{
			"execute",
			`{"type":"execute_code","data":{"code":"print(1)","language":"cpp","stdin":"5"}}`,
			ExecuteCode{Code: "print(1)", Language: "cpp", Stdin: "5"},
		},
		{
			"leave",
			`{"type":"leave_session","data":{}}`,
			LeaveSession{},
		},
		{
			"fields on the envelope",
			`{"type":"language_change","language":"python","timestamp":"2026-01-01T00:00:00Z"}`,
			LanguageChange{Language: "python"},
		},
		{
			"null data",
			`{"type":"leave_session","data":null}`,
			LeaveSession{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := testDecoder.Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			gotJSON, _ := json.Marshal(got)
			wantJSON, _ := json.Marshal(tt.want)
			if got.inboundType() != tt.want.inboundType() || string(gotJSON) != string(wantJSON) {
				t.Errorf("Decode = %T %s, want %T %s", got, gotJSON, tt.want, wantJSON)
			}
		})
	}
}

func TestDecodeProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"not json", `hello`, CodeInvalidJSON},
		{"unknown type", `{"type":"dance","data":{}}`, CodeUnknownMessageType},
		{"bad data shape", `{"type":"code_update","data":{"code":42}}`, CodeInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testDecoder.Decode([]byte(tt.raw))
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProtocolError", err)
			}
			if pe.Code != tt.code {
				t.Errorf("code = %q, want %q", pe.Code, tt.code)
			}
		})
	}
}

func TestDecodeValidationErrors(t *testing.T) {
	long := strings.Repeat("x", 101)
	tests := []struct {
		name  string
		raw   string
		field string
	}{
		{"missing type", `{"data":{}}`, "type"},
		{"join without client", `{"type":"join_session","data":{"display_name":"A"}}`, "client_id"},
		{"join bad role", `{"type":"join_session","data":{"client_id":"a","role":"admin"}}`, "role"},
		{"join long name", `{"type":"join_session","data":{"client_id":"a","display_name":"` + strings.Repeat("n", 51) + `"}}`, "display_name"},
		{"code too large", `{"type":"code_update","data":{"code":"` + long + `","language":"python"}}`, "code"},
		{"code unknown language", `{"type":"code_update","data":{"code":"x","language":"cobol"}}`, "language"},
		{"language missing", `{"type":"language_change","data":{}}`, "language"},
		{"execute empty code", `{"type":"execute_code","data":{"code":"   ","language":"python"}}`, "code"},
		{"execute no language", `{"type":"execute_code","data":{"code":"x"}}`, "language"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testDecoder.Decode([]byte(tt.raw))
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}
}

func TestErrorMessageFor(t *testing.T) {
	msg := errorMessageFor(&ValidationError{Field: "code", Message: "cannot be empty"})
	p := msg.Data.(ErrorPayload)
	if msg.Type != TypeError || p.Code != CodeInvalidMessage || p.Field != "code" {
		t.Errorf("validation message = %+v", msg)
	}

	msg = errorMessageFor(&ProtocolError{Code: CodeInvalidJSON, Message: "bad"})
	if p := msg.Data.(ErrorPayload); p.Code != CodeInvalidJSON || p.Message != "bad" {
		t.Errorf("protocol message = %+v", msg)
	}

	msg = errorMessageFor(errors.New("boom"))
	if p := msg.Data.(ErrorPayload); p.Code != CodeInternalError {
		t.Errorf("internal message = %+v", msg)
	}
}

func TestFrameLimitFitsLargestMessage(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"type":"execute_code","data":{"client_id":"`)
	b.WriteString(strings.Repeat("c", maxClientIDLength))
	b.WriteString(`","code":"`)
	b.WriteString(strings.Repeat(`\ud83d\ude00`, testDecoder.MaxCodeSize))
	b.WriteString(`","language":"python","stdin":"`)
	b.WriteString(strings.Repeat(`\u0001`, maxStdinLength))
	b.WriteString(`"},"timestamp":"2026-01-01T00:00:00Z"}`)
	raw := b.String()

	if limit := testDecoder.FrameLimit(); int64(len(raw)) > limit {
		t.Fatalf("largest valid frame is %d bytes, limit %d", len(raw), limit)
	}
	msg, err := testDecoder.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	m, ok := msg.(ExecuteCode)
	if !ok {
		t.Fatalf("got %T, want ExecuteCode", msg)
	}
	if n := utf8.RuneCountInString(m.Code); n != testDecoder.MaxCodeSize {
		t.Errorf("code has %d runes, want %d", n, testDecoder.MaxCodeSize)
	}

	// One rune more is rejected by validation, not by the transport.
	over := strings.Replace(raw, `","language"`, `\ud83d\ude00","language"`, 1)
	if int64(len(over)) > testDecoder.FrameLimit() {
		t.Fatalf("oversized code frame %d exceeds limit; want a validation error instead", len(over))
	}
	var verr *ValidationError
	if _, err := testDecoder.Decode([]byte(over)); !errors.As(err, &verr) || verr.Field != "code" {
		t.Errorf("err = %v, want code validation error", err)
	}

	if got := (Decoder{}).FrameLimit(); got != 0 {
		t.Errorf("unbounded decoder FrameLimit = %d, want 0", got)
	}
}
