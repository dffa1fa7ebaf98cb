package casestore

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/fixline/internal/session"
)

func smallFileStore(t *testing.T, limit int) *FileStore {
	t.Helper()
	return &FileStore{path: filepath.Join(t.TempDir(), "cases.jsonl"), maxLine: limit}
}

func TestFileStore_RejectsOversizedCase(t *testing.T) {
	t.Parallel()
	s := smallFileStore(t, 512)
	ctx := context.Background()
	ended := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if _, err := s.SaveCase(ctx, session.Case{ID: "small", UserID: "u1", EndedAt: ended}); err != nil {
		t.Fatalf("SaveCase(small): %v", err)
	}
	big := session.Case{
		ID:         "big",
		UserID:     "u1",
		EndedAt:    ended,
		Recordings: []session.Recording{{Kind: session.RecordingPhoto, Data: make([]byte, 1024)}},
	}
	_, err := s.SaveCase(ctx, big)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("SaveCase(big) error = %v, want ErrTooLarge", err)
	}

	refs, err := s.ListCases(ctx, ListOpts{})
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if len(refs) != 1 || refs[0].ID != "small" {
		t.Errorf("refs = %+v, want only small", refs)
	}
}

func TestFileStore_SkipsOverLongLines(t *testing.T) {
	t.Parallel()
	s := smallFileStore(t, 512)
	ctx := context.Background()
	ended := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	if _, err := s.SaveCase(ctx, session.Case{ID: "before", UserID: "u1", EndedAt: ended}); err != nil {
		t.Fatal(err)
	}
	// A line written by a store with a larger limit.
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(`{"id":"huge","data":"` + strings.Repeat("x", 200<<10) + "\"}\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()
	if _, err := s.SaveCase(ctx, session.Case{ID: "after", UserID: "u1", EndedAt: ended.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	refs, err := s.ListCases(ctx, ListOpts{})
	if err != nil {
		t.Fatalf("ListCases: %v", err)
	}
	if len(refs) != 2 || refs[0].ID != "after" || refs[1].ID != "before" {
		t.Errorf("refs = %+v, want after and before", refs)
	}
	if _, err := s.GetCase(ctx, "before"); err != nil {
		t.Errorf("GetCase(before): %v", err)
	}
	if _, err := s.GetCase(ctx, "huge"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCase(huge) error = %v, want ErrNotFound", err)
	}
}

func TestReadLine(t *testing.T) {
	t.Parallel()
	input := "short\n" + strings.Repeat("y", 40) + "\n\nexact\nlast"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	type result struct {
		line    string
		tooLong bool
	}
	want := []result{{"short", false}, {"", true}, {"", false}, {"exact", false}, {"last", false}}
	for i, w := range want {
		line, tooLong, err := readLine(r, 5)
		if err != nil {
			t.Fatalf("line %d: unexpected error %v", i, err)
		}
		if string(line) != w.line || tooLong != w.tooLong {
			t.Errorf("line %d = (%q, %v), want (%q, %v)", i, line, tooLong, w.line, w.tooLong)
		}
	}
	if _, _, err := readLine(r, 5); !errors.Is(err, io.EOF) {
		t.Errorf("after last line error = %v, want io.EOF", err)
	}
}
