// Package segment locates the numbered recovery-log segment files of the
// storage engine.
//
// Segments are named <Prefix><8-digit zero-padded number> and are numbered
// from 1. Old segments may have been purged and a new one may appear at any
// time, so the set present on disk is found by probing for the boundary
// between existing and missing files in both directions.
package segment

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// Prefix is the file name prefix shared by all segments.
const Prefix = "aria_log."

// ControlFileName is the name of the engine's log control file.
const ControlFileName = "aria_log_control"

// ErrMissingSegment marks the fatal condition where the control file names a
// segment that is not on disk.
var ErrMissingSegment = errors.New("log segment does not exist")

// Name returns the file name of segment n.
func Name(n uint32) string {
	return fmt.Sprintf("%s%08d", Prefix, n)
}

// Path returns the path of segment n in dir.
func Path(dir string, n uint32) string {
	return filepath.Join(dir, Name(n))
}

// Exists reports whether segment n is present in dir.
func Exists(dir string, n uint32) bool {
	_, err := os.Stat(Path(dir, n))
	return err == nil
}

// Range is a contiguous run of existing segments.
type Range struct {
	First uint32
	Count uint32
}

// Empty reports whether the range holds no segment.
func (r Range) Empty() bool { return r.Count == 0 }

// Last returns the highest segment number. It must not be called on an empty
// range.
func (r Range) Last() uint32 {
	if r.Count == 0 {
		panic(errors.AssertionFailedf("Last called on empty segment range"))
	}
	return r.First + r.Count - 1
}

func (r Range) String() string {
	if r.Count == 0 {
		return "[]"
	}
	return fmt.Sprintf("[%d, %d]", r.First, r.Last())
}

// Scan finds the contiguous range of segments in dir ending at the greatest
// existing segment not above lastIssued.
func Scan(dir string, lastIssued uint32) Range {
	if lastIssued == 0 {
		return Range{}
	}
	end := greatest(dir, lastIssued, true)
	switch end {
	case 0:
		return Range{}
	case 1:
		return Range{First: 1, Count: 1}
	default:
		first := greatest(dir, end-1, false) + 1
		return Range{First: first, Count: end - first + 1}
	}
}

// greatest walks down from start to 1 and returns the first segment number
// whose existence equals exists, or 0 if there is none.
func greatest(dir string, start uint32, exists bool) uint32 {
	for i := start; i > 0; i-- {
		if Exists(dir, i) == exists {
			return i
		}
	}
	return 0
}

// FindAfterLast extends the range over segments created behind Last, as
// happens when the engine rotates its log while the range is discovered.
func (r *Range) FindAfterLast(dir string) {
	if r.Count == 0 {
		return
	}
	for Exists(dir, r.Last()+1) {
		r.Count++
	}
}

// MustContain returns an error marked ErrMissingSegment if n lies outside
// the range.
func (r Range) MustContain(n uint32) error {
	if r.Count == 0 || n < r.First || n > r.Last() {
		return errors.Mark(
			errors.Newf("log segment %d does not exist (found %s)", n, r), ErrMissingSegment)
	}
	return nil
}

// Report logs the discovered range.
func (r Range) Report(log *slog.Logger) {
	if r.Count == 0 {
		log.Info("no log segments found")
		return
	}
	log.Info("found log segments", "count", r.Count, "first", r.First, "last", r.Last())
}
