package server

import (
	"errors"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/zeebo/errs"

	"github.com/ssd-technologies/kertas/internal/objectstore"
)

// ErrValidation marks malformed or missing request parameters.
var ErrValidation = errs.Class("invalid request")

const maxPageTokenLength = 1024

var (
	objectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,256}$`)
	slugPattern     = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// objectID reads a required object or container id.
func objectID(q url.Values, key string) (string, error) {
	id := q.Get(key)
	if id == "" {
		return "", ErrValidation.New("%s is required", key)
	}
	if !objectIDPattern.MatchString(id) {
		return "", ErrValidation.New("%s is malformed", key)
	}
	return id, nil
}

// optionalObjectID is like objectID but allows the key to be absent.
func optionalObjectID(q url.Values, key string) (string, error) {
	if q.Get(key) == "" {
		return "", nil
	}
	return objectID(q, key)
}

// driveSlug reads the drive slug, falling back to def when absent. An empty
// def makes the slug required.
func driveSlug(q url.Values, def string) (string, error) {
	slug := q.Get("driveSlug")
	if slug == "" {
		slug = def
	}
	return validateSlug(slug)
}

func validateSlug(slug string) (string, error) {
	if slug == "" {
		return "", ErrValidation.New("driveSlug is required")
	}
	if !slugPattern.MatchString(slug) {
		return "", ErrValidation.New("driveSlug is malformed")
	}
	return slug, nil
}

// pageRequest reads pageToken and pageSize. Non-numeric sizes are rejected;
// numeric ones are clamped into the allowed range.
func pageRequest(q url.Values) (objectstore.PageRequest, error) {
	page := objectstore.PageRequest{
		Token: q.Get("pageToken"),
		Size:  objectstore.DefaultPageSize,
	}
	if len(page.Token) > maxPageTokenLength {
		return page, ErrValidation.New("pageToken is too long")
	}
	if raw := q.Get("pageSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		switch {
		case errors.Is(err, strconv.ErrRange) && strings.HasPrefix(raw, "-"):
			n = objectstore.MinPageSize
		case errors.Is(err, strconv.ErrRange):
			n = objectstore.MaxPageSize
		case err != nil:
			return page, ErrValidation.New("pageSize must be an integer")
		}
		page.Size = objectstore.ClampPageSize(n)
	}
	return page, nil
}

// searchQuery reads and bounds the search text.
func searchQuery(q url.Values) (string, error) {
	text := strings.TrimSpace(q.Get("q"))
	switch n := len([]rune(text)); {
	case n < objectstore.MinQueryLength:
		return "", ErrValidation.New("q is required")
	case n > objectstore.MaxQueryLength:
		return "", ErrValidation.New("q must be at most %d characters", objectstore.MaxQueryLength)
	}
	return text, nil
}

// downloadFlag reads the optional download flag.
func downloadFlag(q url.Values, def bool) (bool, error) {
	switch q.Get("download") {
	case "":
		return def, nil
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	return false, ErrValidation.New("download must be 0, 1, true or false")
}
