package casestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/fixline/internal/observe"
	"github.com/MrWong99/fixline/internal/session"
)

var _ Store = (*FileStore)(nil)

// maxLineBytes bounds a single JSON line. Longer lines are refused on save
// and skipped on read.
const maxLineBytes = 64 << 20

// FileStore appends cases as JSON lines to a local file. Saving an existing
// ID appends a new line; the last line for an ID wins on read.
//
// FileStore suits single-user installs and serves as the fallback when the
// database is down. It is safe for concurrent use within one process.
type FileStore struct {
	mu      sync.Mutex
	path    string
	maxLine int
}

// NewFileStore returns a store writing to path. Parent directories are
// created on the first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, maxLine: maxLineBytes}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// SaveCase implements [session.CaseStore].
func (s *FileStore) SaveCase(ctx context.Context, c session.Case) (string, error) {
	_, span := observe.StartSpan(ctx, "case_store.save")
	var err error
	defer func() { observe.EndSpan(span, err) }()

	if c.ID == "" {
		err = errors.New("case store: save case: empty case id")
		return "", err
	}
	data, err := json.Marshal(c)
	if err != nil {
		err = fmt.Errorf("case store: marshal: %w", err)
		return "", err
	}
	if len(data) > s.maxLine {
		err = fmt.Errorf("case store: save case %s: %d bytes exceeds %d: %w", c.ID, len(data), s.maxLine, ErrTooLarge)
		return "", err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		err = fmt.Errorf("case store: create dir: %w", err)
		return "", err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		err = fmt.Errorf("case store: open file: %w", err)
		return "", err
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		err = fmt.Errorf("case store: write: %w", err)
		return "", err
	}
	if err = f.Close(); err != nil {
		err = fmt.Errorf("case store: close file: %w", err)
		return "", err
	}
	return c.ID, nil
}

// GetCase implements [Store].
func (s *FileStore) GetCase(_ context.Context, id string) (session.Case, error) {
	var (
		found session.Case
		ok    bool
	)
	err := s.scan(func(c session.Case) {
		if c.ID == id {
			found, ok = c, true
		}
	})
	if err != nil {
		return session.Case{}, err
	}
	if !ok {
		return session.Case{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// ListCases implements [Store]. Query matches transcript text
// case-insensitively.
func (s *FileStore) ListCases(_ context.Context, opts ListOpts) ([]CaseRef, error) {
	latest := map[string]CaseRef{}
	query := strings.ToLower(opts.Query)
	err := s.scan(func(c session.Case) {
		if opts.UserID != "" && c.UserID != opts.UserID {
			delete(latest, c.ID)
			return
		}
		if query != "" && !transcriptContains(c.Transcript, query) {
			delete(latest, c.ID)
			return
		}
		latest[c.ID] = RefOf(c)
	})
	if err != nil {
		return nil, err
	}

	refs := make([]CaseRef, 0, len(latest))
	for _, r := range latest {
		refs = append(refs, r)
	}
	slices.SortFunc(refs, func(a, b CaseRef) int { return b.EndedAt.Compare(a.EndedAt) })
	if len(refs) > opts.limit() {
		refs = refs[:opts.limit()]
	}
	return refs, nil
}

// Close implements [Store]. It is a no-op.
func (s *FileStore) Close() error { return nil }

// scan calls fn for every well-formed line in file order. Malformed and
// over-long lines are logged and skipped. A missing file holds no cases.
func (s *FileStore) scan(fn func(session.Case)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("case store: open file: %w", err)
	}
	defer f.Close()

	log := observe.Logger(context.Background())
	r := bufio.NewReaderSize(f, 64<<10)
	for line := 1; ; line++ {
		data, tooLong, err := readLine(r, s.maxLine)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("case store: read file: %w", err)
		}
		if tooLong {
			log.Warn("case store: skipping over-long line", "path", s.path, "line", line, "limit", s.maxLine)
			continue
		}
		if len(data) == 0 {
			continue
		}
		var c session.Case
		if err := json.Unmarshal(data, &c); err != nil {
			log.Warn("case store: skipping malformed line", "path", s.path, "line", line, "err", err)
			continue
		}
		fn(c)
	}
}

// readLine returns the next line of r without its newline. A line longer
// than limit is consumed up to its end and reported as tooLong without
// being buffered. It returns [io.EOF] only when no line is left.
func readLine(r *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	read := false
	for {
		chunk, err := r.ReadSlice('\n')
		read = read || len(chunk) > 0
		if !tooLong {
			if len(line)+len(bytes.TrimSuffix(chunk, []byte{'\n'})) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if !read {
				return nil, false, io.EOF
			}
		case err != nil:
			return nil, false, err
		}
		return bytes.TrimSuffix(line, []byte{'\n'}), tooLong, nil
	}
}

func transcriptContains(entries []session.Entry, lowerQuery string) bool {
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Text), lowerQuery) {
			return true
		}
	}
	return false
}
