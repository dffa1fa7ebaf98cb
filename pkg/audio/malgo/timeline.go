package malgo

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/fixline/pkg/audio"
)

// segment is a mono buffer pinned to an absolute frame position.
type segment struct {
	start   int64
	samples []float32
}

func (s segment) end() int64 { return s.start + int64(len(s.samples)) }

// timeline renders scheduled segments into consecutive device periods and
// counts rendered frames, which makes it the device's playback clock.
// It is safe for concurrent use.
type timeline struct {
	rate int

	mu       sync.Mutex
	rendered int64
	queue    []segment // ordered by start
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

// now returns the elapsed playback time.
func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.FramesToDuration(t.rendered, t.rate)
}

// schedule inserts samples at frame position start. Segments that already
// ended are discarded.
func (t *timeline) schedule(samples []float32, start int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg := segment{start: start, samples: samples}
	if seg.end() <= t.rendered {
		return
	}
	i, _ := slices.BinarySearchFunc(t.queue, start, func(s segment, pos int64) int {
		switch {
		case s.start < pos:
			return -1
		case s.start > pos:
			return 1
		}
		return 0
	})
	t.queue = slices.Insert(t.queue, i, seg)
}

// render fills dst with the next len(dst) frames and advances the clock.
// Frames not covered by any segment are silent.
func (t *timeline) render(dst []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(dst)
	from := t.rendered
	to := from + int64(len(dst))

	for _, seg := range t.queue {
		if seg.start >= to {
			break
		}
		lo := max(seg.start, from)
		hi := min(seg.end(), to)
		for pos := lo; pos < hi; pos++ {
			dst[pos-from] += seg.samples[pos-seg.start]
		}
	}

	t.rendered = to
	drop := 0
	for drop < len(t.queue) && t.queue[drop].end() <= to {
		drop++
	}
	t.queue = t.queue[drop:]
}

// reset discards everything queued.
func (t *timeline) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = nil
}
