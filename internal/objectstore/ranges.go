package objectstore

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is a single HTTP byte range. Start < 0 denotes a suffix range of
// the last End bytes; End < 0 denotes an open-ended range.
type ByteRange struct {
	Start int64
	End   int64
}

// ParseRange parses a Range header holding a single "bytes=" range. Multiple
// ranges and malformed values are rejected so callers can fall back to a full
// response, as RFC 9110 allows.
func ParseRange(header string) (ByteRange, bool) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return ByteRange{}, false
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return ByteRange{}, false
	}

	switch {
	case first == "" && last == "":
		return ByteRange{}, false
	case first == "":
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return ByteRange{}, false
		}
		return ByteRange{Start: -1, End: n}, true
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return ByteRange{}, false
	}
	if last == "" {
		return ByteRange{Start: start, End: -1}, true
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return ByteRange{}, false
	}
	return ByteRange{Start: start, End: end}, true
}

// Resolve turns the range into absolute inclusive offsets for an object of
// size bytes. Unsatisfiable ranges fail with ErrRangeInvalid.
func (r ByteRange) Resolve(size int64) (start, end int64, err error) {
	switch {
	case r.Start < 0:
		n := r.End
		if n > size {
			n = size
		}
		if n <= 0 {
			return 0, 0, ErrRangeInvalid.New("empty suffix range for size %d", size)
		}
		return size - n, size - 1, nil
	case r.Start >= size:
		return 0, 0, ErrRangeInvalid.New("range start %d beyond size %d", r.Start, size)
	case r.End < 0 || r.End >= size:
		return r.Start, size - 1, nil
	}
	return r.Start, r.End, nil
}

// String renders the range as a Range header value.
func (r ByteRange) String() string {
	switch {
	case r.Start < 0:
		return fmt.Sprintf("bytes=-%d", r.End)
	case r.End < 0:
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
}

// ContentRange formats a Content-Range header value.
func ContentRange(start, end, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, size)
}

// UnsatisfiedRange formats the Content-Range sent with a 416 response.
func UnsatisfiedRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}
