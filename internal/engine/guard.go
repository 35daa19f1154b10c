package engine

import (
	"errors"
	"fmt"
)

// ErrReentrant is returned when an operation re-enters an entity whose
// mutation is already in progress.
var ErrReentrant = errors.New("engine: reentrant operation")

// reentryGuard is the per-entity in-progress flag. Every public mutating
// operation — including administrative deposit/withdraw paths, not just the
// obviously fund-moving ones — enters the guard before touching state and
// exits after the operation finalizes. An external-effect callback that
// tries to re-enter the same entity fails fast instead of interleaving.
type reentryGuard struct {
	inProgress map[string]bool
}

func newReentryGuard() *reentryGuard {
	return &reentryGuard{inProgress: make(map[string]bool)}
}

func (g *reentryGuard) enter(entity string) error {
	if g.inProgress[entity] {
		return fmt.Errorf("%w: %s", ErrReentrant, entity)
	}
	g.inProgress[entity] = true
	return nil
}

func (g *reentryGuard) exit(entity string) {
	delete(g.inProgress, entity)
}
