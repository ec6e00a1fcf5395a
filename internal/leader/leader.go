// Package leader narrows the two concrete leader electors (MongoDB-backed,
// Redis-backed) to the single capability the outbox relay and
// storage-backed scheduler actually need: know whether this process
// instance is currently allowed to poll. Leadership is an optional
// efficiency optimization that skips redundant polling across multiple
// instances sharing one store, never a correctness dependency — every
// caller must behave correctly with Elector == nil.
package leader

import "context"

// Elector is satisfied by both internal/common/leader.MongoElector and
// internal/common/leader.RedisElector; callers depend on this
// narrow interface instead of importing a concrete backend, so the outbox
// relay and scheduler never need to know which store backs leadership.
type Elector interface {
	Start(ctx context.Context) error
	Stop()
	IsPrimary() bool
	OnBecomeLeader(fn func())
	OnLoseLeadership(fn func())
}

// AlwaysLeader is the zero-configuration Elector: every instance is
// primary. Used when single-instance deployment makes distributed
// coordination unnecessary — the default.
type AlwaysLeader struct{}

func (AlwaysLeader) Start(context.Context) error { return nil }
func (AlwaysLeader) Stop()                       {}
func (AlwaysLeader) IsPrimary() bool             { return true }
func (AlwaysLeader) OnBecomeLeader(func())       {}
func (AlwaysLeader) OnLoseLeadership(func())     {}
