package server

import (
	"context"
)

// runner is implemented by counter stores with a background janitor.
type runner interface {
	Run(ctx context.Context)
}

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	for _, store := range []any{s.requestStore, s.loginStore} {
		if r, ok := store.(runner); ok {
			go r.Run(ctx)
		}
	}
	go s.runLockoutReport(ctx)
}
