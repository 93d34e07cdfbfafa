package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/ssd-technologies/kertas/internal/objectstore"
)

// sanitizeFilename strips directory components, quotes and control
// characters from a filename so it cannot inject into Content-Disposition.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r == '"' || unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "download"
	}
	return name
}

// contentDisposition renders a Content-Disposition value with an ASCII
// fallback filename and an RFC 5987 encoded UTF-8 filename.
func contentDisposition(d Disposition, name string) string {
	name = sanitizeFilename(name)
	fallback := strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return '_'
		}
		return r
	}, name)
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, d, fallback, encodeRFC5987(name))
}

func encodeRFC5987(s string) string {
	var b strings.Builder
	for _, c := range []byte(s) {
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

// WeakETag derives a validator from the record's checksum, size and
// modification time. It is empty when none of them is known.
func WeakETag(rec *objectstore.Record) string {
	if rec.Checksum == "" && rec.Size == nil && rec.ModifiedAt == nil {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(rec.Checksum))
	h.Write([]byte{'|'})
	if rec.Size != nil {
		h.Write([]byte(strconv.FormatInt(*rec.Size, 10)))
	}
	h.Write([]byte{'|'})
	if rec.ModifiedAt != nil {
		h.Write([]byte(strconv.FormatInt(rec.ModifiedAt.UnixNano(), 10)))
	}
	return `W/"` + hex.EncodeToString(h.Sum(nil)[:16]) + `"`
}

// etagMatches implements the weak comparison used by If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}

// ifRangeAllows reports whether a Range request may be honored under the
// If-Range precondition in header. Entity tags use the strong comparison, so
// weak tags never match; a date must equal the last modification time.
func ifRangeAllows(header, etag string, modified *time.Time) bool {
	header = strings.TrimSpace(header)
	switch {
	case header == "":
		return true
	case strings.HasPrefix(header, `"`), strings.HasPrefix(header, "W/"):
		return etag != "" && !strings.HasPrefix(etag, "W/") && header == etag
	}
	t, err := http.ParseTime(header)
	if err != nil || modified == nil {
		return false
	}
	return t.Equal(modified.UTC().Truncate(time.Second))
}
