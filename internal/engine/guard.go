package engine

import "github.com/alanyoungcy/margind/internal/domain"

// reentryGuard is the explicit mutual-exclusion flag held across any method
// that moves funds through the asset ledgers. Callers must hold the owning
// struct's mutex before touching the guard.
type reentryGuard struct {
	entered bool
}

func (g *reentryGuard) enter() error {
	if g.entered {
		return domain.ErrReentrantCall
	}
	g.entered = true
	return nil
}

func (g *reentryGuard) leave() {
	g.entered = false
}
