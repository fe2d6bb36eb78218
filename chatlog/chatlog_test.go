package chatlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []Record{
		{Seq: 1, Sender: "alice", Ts: 1700000000, Text: "hello"},
		{Seq: 2, Sender: "bob", Ts: -1, Text: "line1\nline2\ttabbed"},
		{Seq: 3, Sender: "carol", Ts: 0, Text: `quotes " and \ backslash`},
		{Seq: 4, Sender: "dave", Ts: 42, Text: ""},
	}
	for _, want := range cases {
		line, err := MarshalLine(want)
		if err != nil {
			t.Fatalf("MarshalLine: %v", err)
		}
		got, ok := ParseLine(line)
		if !ok {
			t.Fatalf("ParseLine rejected %q", line)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

func TestParseLineMalformed(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"not json",
		"{broken",
		`{"sender":"alice","ts":1,"text":"no seq"}`,
		`{"seq":5,"ts":1,"text":"no sender"}`,
	}
	for _, line := range cases {
		if _, ok := ParseLine([]byte(line)); ok {
			t.Errorf("ParseLine accepted %q", line)
		}
	}
}

func TestHistoryAppendAndSince(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat.jsonl")
	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	r1, err := h.Append("alice", 100, "first")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r1.Seq != 1 {
		t.Fatalf("first seq = %d, want 1", r1.Seq)
	}
	r2, _ := h.Append("bob", 101, "second")
	if r2.Seq != 2 {
		t.Fatalf("second seq = %d, want 2", r2.Seq)
	}

	since := h.Since(1)
	if len(since) != 1 || since[0].Seq != 2 {
		t.Errorf("Since(1) = %+v", since)
	}
	if got := h.Since(0); len(got) != 2 {
		t.Errorf("Since(0) len = %d, want 2", len(got))
	}
	if h.LastSeq() != 2 {
		t.Errorf("LastSeq = %d, want 2", h.LastSeq())
	}
}

func TestHistoryResumesAtMaxPlusOne(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat.jsonl")

	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	h.Append("alice", 1, "one")
	h.Append("alice", 2, "two")
	h.Append("alice", 3, "three")
	h.Close()

	h2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer h2.Close()

	if h2.Len() != 3 {
		t.Fatalf("loaded %d records, want 3", h2.Len())
	}
	r, err := h2.Append("bob", 4, "four")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if r.Seq != 4 {
		t.Errorf("resumed seq = %d, want 4", r.Seq)
	}
}

func TestHistorySkipsMalformedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chat.jsonl")
	content := `{"seq":1,"sender":"alice","ts":1,"text":"ok"}
garbage line
{"seq":2,"sender":"bob","ts":2,"text":"also ok"}
{"ts":3,"text":"missing fields"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	if h.Len() != 2 {
		t.Errorf("loaded %d records, want 2", h.Len())
	}
	if h.LastSeq() != 2 {
		t.Errorf("LastSeq = %d, want 2", h.LastSeq())
	}
}
