// Package drives holds the registry of configured drives: named,
// independently access-controlled views over a container in the object store.
package drives

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/kertas/internal/crypto"
)

// Error is the class for registry loading failures.
var Error = errs.Class("drives")

// PublicSlug names the drive that is always readable without a password.
const PublicSlug = "public"

// MaxConcurrentVerifications bounds how many password hashes are checked at
// once. Each argon2id check holds 64 MiB.
const MaxConcurrentVerifications = 4

// Status explains whether a drive can accept a password.
type Status int

const (
	// Ready means the drive is protected and has a usable password hash.
	Ready Status = iota
	// NotFound means no enabled drive has the slug.
	NotFound
	// NotProtected means the drive does not require a password.
	NotProtected
	// Misconfigured means the drive requires a password but none is usable.
	Misconfigured
)

func (s Status) String() string {
	switch s {
	case Ready:
		return "ready"
	case NotFound:
		return "not found"
	case NotProtected:
		return "not protected"
	case Misconfigured:
		return "misconfigured"
	}
	return "unknown"
}

// Config is one drive entry as written in the drives file. Either
// PasswordHash (an encoded argon2id hash) or Password may be given; a
// plaintext password is hashed at load.
type Config struct {
	ID               string `yaml:"id"`
	Slug             string `yaml:"slug"`
	DisplayName      string `yaml:"displayName"`
	Description      string `yaml:"description"`
	ContainerID      string `yaml:"containerId"`
	RequiresPassword bool   `yaml:"requiresPassword"`
	Password         string `yaml:"password"`
	PasswordHash     string `yaml:"passwordHash"`
	Enabled          *bool  `yaml:"enabled"`
}

type file struct {
	Drives []Config `yaml:"drives"`
}

// Drive is an immutable drive descriptor. The password is only held as a
// hash and is never exposed.
type Drive struct {
	ID               string
	Slug             string
	DisplayName      string
	Description      string
	ContainerID      string
	RequiresPassword bool
	Enabled          bool

	password *crypto.PasswordHash
}

// HasContainer reports whether the drive is rooted at a container.
func (d *Drive) HasContainer() bool { return d.ContainerID != "" }

// IsPublic reports whether the drive may be read without a session.
func (d *Drive) IsPublic() bool { return d.Slug == PublicSlug || !d.RequiresPassword }

// Registry is the read-only set of drives. It is safe for concurrent use.
type Registry struct {
	log    *zap.Logger
	drives []*Drive
	bySlug map[string]*Drive

	verifying *semaphore.Weighted
}

// Load reads a YAML drives file. ${VAR} references are expanded from the
// environment before parsing so secrets need not be written to disk.
func Load(log *zap.Logger, path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var f file
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &f); err != nil {
		return nil, Error.New("parsing %s: %v", path, err)
	}
	return New(log, f.Drives), nil
}

// PublicOnly builds a registry holding a single public drive rooted at
// containerID. It is used when no drives file is configured.
func PublicOnly(log *zap.Logger, containerID string) *Registry {
	return New(log, []Config{{
		ID:          "public",
		Slug:        PublicSlug,
		DisplayName: "Public",
		ContainerID: containerID,
	}})
}

// New builds a registry from parsed entries. Bad entries never fail the
// registry: they are skipped or left inaccessible, and a warning is logged.
func New(log *zap.Logger, entries []Config) *Registry {
	r := &Registry{
		log:       log,
		bySlug:    make(map[string]*Drive, len(entries)),
		verifying: semaphore.NewWeighted(MaxConcurrentVerifications),
	}
	for i, c := range entries {
		if c.Slug == "" {
			log.Error("drive entry has no slug, skipping", zap.Int("index", i))
			continue
		}
		if _, dup := r.bySlug[c.Slug]; dup {
			log.Error("duplicate drive slug, keeping the first entry", zap.String("slug", c.Slug))
			continue
		}

		d := &Drive{
			ID:               c.ID,
			Slug:             c.Slug,
			DisplayName:      c.DisplayName,
			Description:      c.Description,
			ContainerID:      c.ContainerID,
			RequiresPassword: c.RequiresPassword,
			Enabled:          c.Enabled == nil || *c.Enabled,
		}
		if d.ID == "" {
			d.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("kertas:drive:"+c.Slug)).String()
		}
		if d.DisplayName == "" {
			d.DisplayName = c.Slug
		}
		if d.RequiresPassword {
			d.password = r.loadPassword(c)
		}
		if d.Enabled && !d.HasContainer() {
			log.Warn("drive has no container id, listing it will fail", zap.String("slug", c.Slug))
		}

		r.drives = append(r.drives, d)
		r.bySlug[d.Slug] = d
	}
	return r
}

func (r *Registry) loadPassword(c Config) *crypto.PasswordHash {
	log := r.log.With(zap.String("slug", c.Slug))
	switch {
	case c.PasswordHash != "":
		h, err := crypto.ParsePasswordHash(c.PasswordHash)
		if err != nil {
			log.Warn("drive password hash is unusable, drive is inaccessible", zap.Error(err))
			return nil
		}
		return h
	case c.Password != "":
		log.Warn("drive password is configured in plaintext, store passwordHash instead")
		h, err := crypto.ParsePasswordHash(crypto.HashPassword(c.Password))
		if err != nil {
			log.Warn("hashing drive password failed, drive is inaccessible", zap.Error(err))
			return nil
		}
		return h
	}
	log.Warn("drive requires a password but none is configured, drive is inaccessible")
	return nil
}

// GetBySlug returns the enabled drive with the given slug.
func (r *Registry) GetBySlug(slug string) (*Drive, bool) {
	d, ok := r.bySlug[slug]
	if !ok || !d.Enabled {
		return nil, false
	}
	return d, true
}

// ListEnabled returns the enabled drives in configuration order.
func (r *Registry) ListEnabled() []*Drive {
	out := make([]*Drive, 0, len(r.drives))
	for _, d := range r.drives {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// GetPublic returns the first enabled drive that needs no password.
func (r *Registry) GetPublic() (*Drive, bool) {
	for _, d := range r.drives {
		if d.Enabled && !d.RequiresPassword {
			return d, true
		}
	}
	return nil, false
}

// Status reports whether slug can accept a password.
func (r *Registry) Status(slug string) Status {
	d, ok := r.GetBySlug(slug)
	switch {
	case !ok:
		return NotFound
	case !d.RequiresPassword:
		return NotProtected
	case d.password == nil:
		return Misconfigured
	}
	return Ready
}

// VerifyPassword checks supplied against the drive's password hash in
// constant time. It is false for unknown, unprotected and misconfigured
// drives, and when ctx ends while waiting for a verification slot.
func (r *Registry) VerifyPassword(ctx context.Context, slug, supplied string) bool {
	if r.Status(slug) != Ready {
		return false
	}
	if ctx.Err() != nil || r.verifying.Acquire(ctx, 1) != nil {
		return false
	}
	defer r.verifying.Release(1)
	return r.bySlug[slug].password.Verify(supplied)
}
