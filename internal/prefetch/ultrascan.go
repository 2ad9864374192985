package prefetch

import (
	"sync/atomic"
	"time"

	"github.com/lrfstore/lrf/internal/region"
)

// ultraScanInterval rate-limits the optional ultra-scan sweep to once
// per minute.
const ultraScanInterval = 1 * time.Minute

// ultraScanSubBatch and ultraScanSpacing bound the sweep's I/O rate so it
// never competes meaningfully with foreground reads.
const (
	ultraScanSubBatch = 8
	ultraScanSpacing  = 50 * time.Millisecond
)

// TryUltraScan schedules a low-priority page-cache warm-up sweep over res's
// occupied slots if the rate limit allows and enabled reports true. The
// "accessing player within influence radius and a global flag is set"
// gate is the caller's to evaluate and pass in as enabled, since it
// depends on gameplay state this engine doesn't model. The sweep only
// reads a single byte per frame to populate the OS page cache; it never
// decompresses.
func (e *Engine) TryUltraScan(res *region.Resource, enabled func() bool) {
	if !enabled() {
		return
	}

	e.mu.Lock()
	now := time.Now()
	if now.Sub(e.lastUltraScan) < ultraScanInterval {
		e.mu.Unlock()
		return
	}
	e.lastUltraScan = now
	e.mu.Unlock()

	hdr := res.Header()
	offsets := make([]int64, 0, region.SlotCount)
	for _, slot := range hdr.Slots {
		if !slot.Empty() {
			offsets = append(offsets, slot.Offset())
		}
	}

	if len(offsets) == 0 {
		return
	}

	e.dispatch(func() { e.runUltraScan(res, offsets) })
}

func (e *Engine) runUltraScan(res *region.Resource, offsets []int64) {
	var touched int32
	one := make([]byte, 1)

	for i := 0; i < len(offsets); i += ultraScanSubBatch {
		end := i + ultraScanSubBatch
		if end > len(offsets) {
			end = len(offsets)
		}

		for _, off := range offsets[i:end] {
			if _, err := res.File().ReadAt(one, off); err == nil {
				atomic.AddInt32(&touched, 1)
			}
		}

		if end < len(offsets) {
			time.Sleep(ultraScanSpacing)
		}
	}
}
