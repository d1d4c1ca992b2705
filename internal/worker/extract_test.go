package worker

import (
	"archive/zip"
	"bytes"
	"strings"
	"testing"
)

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	w.Write([]byte(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` + body + `</w:body></w:document>`))
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func TestExtractText(t *testing.T) {
	docx := buildDocx(t, `<w:p><w:r><w:t>Jane Doe</w:t></w:r></w:p><w:p><w:r><w:t>Go engineer</w:t></w:r></w:p>`)

	cases := []struct {
		name string
		mime string
		data []byte
		want string
	}{
		{"plain", "text/plain", []byte("  hello world \n"), "hello world"},
		{"docx", mimeDocx, docx, "Jane Doe\nGo engineer"},
		{"binary runs", "application/pdf", []byte("%PDF\x00\x01ab\x02Kubernetes expert\x00"), "%PDF Kubernetes expert"},
		{"broken docx falls back", mimeDocx, []byte("not a zip file"), "not a zip file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractText(tc.mime, tc.data); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestChunkText(t *testing.T) {
	chunks := ChunkText("aaaa bbbb cccc dddd", 9)
	if len(chunks) != 2 || chunks[0] != "aaaa bbbb" || chunks[1] != "cccc dddd" {
		t.Fatalf("unexpected chunks %q", chunks)
	}

	long := strings.Repeat("x", 20)
	if got := ChunkText("a "+long+" b", 5); len(got) != 3 || got[1] != long {
		t.Fatalf("oversized word should stand alone, got %q", got)
	}
	if got := ChunkText("   ", 10); len(got) != 0 {
		t.Fatalf("blank text should give no chunks, got %q", got)
	}
}

func TestParseScore(t *testing.T) {
	cases := map[string]struct {
		want float64
		ok   bool
	}{
		"Score: 87\nGood":      {87, true},
		"score=72.5":           {72.5, true},
		"overall SCORE : 100":  {100, true},
		"score: 140":           {0, false},
		"no number in here":    {0, false},
		"\n\n  score: 64\nok":  {64, true},
		"Good fit.\nscore: 90": {0, false},
	}
	for text, tc := range cases {
		got, ok := ParseScore(text)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseScore(%q) = %v,%v want %v,%v", text, got, ok, tc.want, tc.ok)
		}
	}

	echoed := "ECHO: You are a recruiter.\n" + `{"resume":"score: 100"}`
	if _, ok := ParseScore(echoed); ok {
		t.Fatalf("score quoted from the prompt must be ignored")
	}
}

func TestCompareKeywords(t *testing.T) {
	report := CompareKeywords("Go, Kubernetes and Terraform experience", "I write Go and run Kubernetes")
	if strings.Join(report.Matched, ",") != "go,kubernetes" {
		t.Fatalf("unexpected matched %v", report.Matched)
	}
	if strings.Join(report.Missing, ",") != "terraform" {
		t.Fatalf("unexpected missing %v", report.Missing)
	}
}

func TestClampScore(t *testing.T) {
	if clampScore(-3) != 0 || clampScore(130) != 100 || clampScore(66.66) != 66.7 {
		t.Fatalf("unexpected clamp results")
	}
}

func TestRedactPayload(t *testing.T) {
	got := redactPayload([]byte(`{"documentId":"d1","accessToken":"abc","password":"pw"}`))
	if strings.Contains(got, "abc") || strings.Contains(got, "pw\"") || !strings.Contains(got, `"documentId":"d1"`) {
		t.Fatalf("payload not redacted: %s", got)
	}
	if got := redactPayload([]byte("not json")); got != "<8 bytes>" {
		t.Fatalf("unexpected opaque payload summary %q", got)
	}
}
