package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/kertas/internal/ratelimit"
)

// lockoutReportInterval is how often locked-out clients are summarized.
const lockoutReportInterval = 5 * time.Minute

// windowRanger is implemented by counter stores that can enumerate their
// live windows.
type windowRanger interface {
	Range(now time.Time, length time.Duration, fn func(key string, w ratelimit.Window) bool)
}

// recordLoginFailure counts a failed drive login against the client and
// logs when the client crosses into lockout.
func (s *Server) recordLoginFailure(client, slug string) {
	d := s.logins.Allow(client)
	if d.Remaining == 0 {
		s.log.Warn("client locked out after repeated login failures",
			zap.String("client", client),
			zap.String("slug", slug),
			zap.Int("max_failures", s.logins.Limit()),
		)
	}
}

// runLockoutReport periodically logs how many clients are locked out.
func (s *Server) runLockoutReport(ctx context.Context) {
	ticker := time.NewTicker(lockoutReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if clients := s.lockedOutClients(); len(clients) > 0 {
				s.log.Info("clients locked out of drive login", zap.Int("count", len(clients)), zap.Strings("clients", clients))
			}
		}
	}
}

// lockedOutClients lists clients that have used up their login failures in
// the current window. Stores that cannot enumerate report none.
func (s *Server) lockedOutClients() []string {
	ranger, ok := s.loginStore.(windowRanger)
	if !ok {
		return nil
	}
	var clients []string
	ranger.Range(s.now(), s.config.Login.Window, func(key string, w ratelimit.Window) bool {
		if w.Count >= s.config.Login.MaxFailures {
			clients = append(clients, key)
		}
		return true
	})
	return clients
}
