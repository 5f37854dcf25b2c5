// Package arbiter authorizes and applies dispute rulings on escrow entries.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/dealbroker/internal/auth"
	"github.com/mbd888/dealbroker/internal/escrow"
)

var ErrMessageRequired = errors.New("ruling message is required")

// Actor is the caller asking to rule.
type Actor struct {
	ID   string
	Role string
}

// Resolver applies a ruling to a disputed entry.
type Resolver interface {
	ResolveDispute(ctx context.Context, id, arbiterID string, decision escrow.Decision, message string) (*escrow.Entry, error)
}

// Arbiter gates ResolveDispute on the arbiter role.
type Arbiter struct {
	resolver Resolver
	ids      map[string]bool
	logger   *slog.Logger
}

// New creates an Arbiter. Actors listed in ids are arbiters regardless of role.
func New(resolver Resolver, ids []string, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Arbiter{resolver: resolver, ids: make(map[string]bool, len(ids)), logger: logger}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			a.ids[id] = true
		}
	}
	return a
}

// IsArbiter reports whether actor may rule on disputes.
func (a *Arbiter) IsArbiter(actor Actor) bool {
	if actor.ID == "" {
		return false
	}
	return actor.Role == auth.RoleArbiter || a.ids[actor.ID]
}

// Resolve rules on a disputed entry: release settles to the payee, refund
// voids the hold. The message is recorded in the audit log.
func (a *Arbiter) Resolve(ctx context.Context, actor Actor, entryID string, decision escrow.Decision, message string) (*escrow.Entry, error) {
	if !a.IsArbiter(actor) {
		return nil, fmt.Errorf("%w: %q is not an arbiter", escrow.ErrUnauthorized, actor.ID)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrMessageRequired
	}

	e, err := a.resolver.ResolveDispute(ctx, entryID, actor.ID, decision, message)
	if err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "dispute resolved",
		"escrow_id", entryID, "arbiter", actor.ID, "decision", decision, "status", e.Status)
	return e, nil
}
