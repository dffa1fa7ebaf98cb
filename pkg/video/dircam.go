package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Compile-time interface assertions.
var (
	_ Opener = DirOpener("")
	_ Camera = (*DirCamera)(nil)
)

// DirOpener opens a [DirCamera] over the named directory.
type DirOpener string

// OpenCamera implements [Opener].
func (d DirOpener) OpenCamera(_ context.Context) (Camera, error) {
	return OpenDir(string(d))
}

// DirCamera serves still images from a directory in lexical order, wrapping
// around after the last one. It stands in for a webcam on machines where
// frames are dropped into a folder by another tool.
type DirCamera struct {
	mu     sync.Mutex
	files  []string
	next   int
	closed bool
}

// OpenDir lists the images in dir. A missing or empty directory is reported
// as [ErrDeviceNotFound], an unreadable one as [ErrPermissionDenied].
func OpenDir(dir string) (*DirCamera, error) {
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, dir)
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, dir)
	case err != nil:
		return nil, fmt.Errorf("video: open camera dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".gif":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrDeviceNotFound, dir)
	}
	slices.Sort(files)
	return &DirCamera{files: files}, nil
}

// Snapshot implements [Camera].
func (c *DirCamera) Snapshot(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	path := c.files[c.next]
	c.next = (c.next + 1) % len(c.files)
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("video: read frame: %w", err)
	}
	return Decode(data)
}

// Close implements [Camera].
func (c *DirCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
