package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// CleanText returns s with invalid UTF-8 and NUL bytes replaced by U+FFFD.
// Postgres text columns reject both.
func CleanText(s string) string {
	if utf8.ValidString(s) && strings.IndexByte(s, 0) < 0 {
		return s
	}
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "\uFFFD")
}

// TruncateText cuts s to at most n bytes without splitting a rune.
func TruncateText(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}

var escapedNUL = []byte(`\u0000`)

// CleanJSON returns raw in a form jsonb accepts: strings holding invalid
// UTF-8 or NUL characters are re-encoded with U+FFFD in their place. Valid
// documents are returned unchanged. A document that does not parse is
// stored as a JSON string of its cleaned text.
func CleanJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || (utf8.Valid(raw) && !bytes.Contains(raw, escapedNUL)) {
		return raw
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		b, _ := json.Marshal(CleanText(string(raw)))
		return b
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(cleanValue(v)); err != nil {
		b, _ := json.Marshal(CleanText(string(raw)))
		return b
	}
	return bytes.TrimRight(buf.Bytes(), "\n")
}

// cleanValue walks a decoded document. encoding/json already replaced
// invalid UTF-8 while decoding; NUL survives and is replaced here.
func cleanValue(v any) any {
	switch t := v.(type) {
	case string:
		return CleanText(t)
	case []any:
		for i := range t {
			t[i] = cleanValue(t[i])
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[CleanText(k)] = cleanValue(val)
		}
		return out
	}
	return v
}
