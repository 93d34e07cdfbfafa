// Package access decides who may read which drive. Password checks turn an
// anonymous caller into one holding a drive session; every later request is
// authorized against that session.
package access

import (
	"context"
	"net/http"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/ssd-technologies/kertas/internal/drives"
	"github.com/ssd-technologies/kertas/internal/objectstore"
	"github.com/ssd-technologies/kertas/internal/tokens"
)

var mon = monkit.Package()

var (
	// Error is the class for failures the caller cannot fix.
	Error = errs.Class("access")

	ErrDriveNotFound         = errs.Class("drive not found")
	ErrNotProtected          = errs.Class("drive does not require a password")
	ErrMisconfigured         = errs.Class("drive is not configured correctly")
	ErrAuthenticationFailed  = errs.Class("authentication failed")
	ErrAuthorizationRequired = errs.Class("authorization required")
)

// Config controls login error reporting.
type Config struct {
	// RevealDriveExistence makes failed logins report why they failed
	// (unknown drive, unprotected drive, misconfigured drive, wrong
	// password). When false every failure is ErrAuthenticationFailed, so a
	// caller cannot tell which drives exist.
	RevealDriveExistence bool
}

// Gate enforces drive access policy: who may read a drive, and which objects
// belong to it.
type Gate struct {
	log    *zap.Logger
	drives *drives.Registry
	tokens *tokens.Service
	store  objectstore.Store
	config Config
}

// NewGate creates a Gate. store is consulted to resolve which drive an object
// belongs to.
func NewGate(log *zap.Logger, registry *drives.Registry, tokenService *tokens.Service, store objectstore.Store, config Config) *Gate {
	return &Gate{
		log:    log,
		drives: registry,
		tokens: tokenService,
		store:  store,
		config: config,
	}
}

// Session is a freshly issued drive session.
type Session struct {
	Token  string
	Claims *tokens.SessionClaims
}

// Login checks password for the drive and issues a session on success.
func (g *Gate) Login(ctx context.Context, slug, password string) (_ *Session, err error) {
	defer mon.Task()(&ctx)(&err)

	switch status := g.drives.Status(slug); status {
	case drives.Ready:
	case drives.Misconfigured:
		g.log.Warn("login attempted on misconfigured drive", zap.String("slug", slug))
		return nil, g.loginFailure(ErrMisconfigured.New("%s", slug))
	case drives.NotProtected:
		return nil, g.loginFailure(ErrNotProtected.New("%s", slug))
	default:
		return nil, g.loginFailure(ErrDriveNotFound.New("%s", slug))
	}

	if !g.drives.VerifyPassword(ctx, slug, password) {
		mon.Event("login_failed")
		return nil, ErrAuthenticationFailed.New("invalid password for %s", slug)
	}

	token, claims, err := g.tokens.IssueDriveSession(slug)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	mon.Event("login_succeeded")
	return &Session{Token: token, Claims: claims}, nil
}

func (g *Gate) loginFailure(err error) error {
	mon.Event("login_failed")
	if g.config.RevealDriveExistence {
		return err
	}
	return ErrAuthenticationFailed.New("invalid drive or password")
}

// Authorize resolves the drive and checks that the caller may read it.
// Drives without a password, and the public drive, need no session;
// otherwise sessionToken must be a live session for this very drive.
func (g *Gate) Authorize(ctx context.Context, slug, sessionToken string) (_ *drives.Drive, err error) {
	defer mon.Task()(&ctx)(&err)

	drive, ok := g.drives.GetBySlug(slug)
	if !ok {
		return nil, ErrDriveNotFound.New("%s", slug)
	}
	if drive.IsPublic() {
		return drive, nil
	}
	if _, err := g.Session(ctx, slug, sessionToken); err != nil {
		return nil, err
	}
	return drive, nil
}

// Session validates sessionToken as a session for slug.
func (g *Gate) Session(ctx context.Context, slug, sessionToken string) (_ *tokens.SessionClaims, err error) {
	defer mon.Task()(&ctx)(&err)

	if sessionToken == "" {
		return nil, ErrAuthorizationRequired.New("no session")
	}
	claims, err := g.tokens.VerifyDriveSession(sessionToken)
	switch {
	case tokens.ErrMisconfigured.Has(err):
		return nil, Error.Wrap(err)
	case tokens.ErrExpiredToken.Has(err):
		return nil, ErrAuthorizationRequired.New("session expired")
	case err != nil:
		return nil, ErrAuthorizationRequired.New("invalid session")
	case claims.DriveSlug != slug:
		return nil, ErrAuthorizationRequired.New("session is for another drive")
	}
	return claims, nil
}

// StatusCode maps a gate error onto an HTTP status.
func StatusCode(err error) int {
	switch {
	case ErrDriveNotFound.Has(err), ErrOutsideDrive.Has(err):
		return http.StatusNotFound
	case ErrNotProtected.Has(err):
		return http.StatusBadRequest
	case ErrAuthenticationFailed.Has(err), ErrAuthorizationRequired.Has(err):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// PublicMessage is the client-facing text for a gate error.
func PublicMessage(err error) string {
	switch {
	case ErrDriveNotFound.Has(err):
		return "drive not found"
	case ErrOutsideDrive.Has(err):
		return "file not found"
	case ErrNotProtected.Has(err):
		return "drive does not require a password"
	case ErrMisconfigured.Has(err):
		return "drive is not configured correctly"
	case ErrAuthenticationFailed.Has(err):
		return "invalid drive or password"
	case ErrAuthorizationRequired.Has(err):
		return "authentication required for this drive"
	}
	return "internal server error"
}
