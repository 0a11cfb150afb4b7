// Package auth implements the role table consulted at the entry of every
// role-gated operation.
package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"ClearLedger/internal/errs"
)

// Role names a permission in the role table.
type Role string

const (
	RoleSettlement       Role = "settlement"        // credit/seize/margin
	RoleGovernance       Role = "governance"        // pools, caps, parties, suspension
	RoleSubmitObligation Role = "submit_obligation" // recordObligation, settleImmediate
	RoleTriggerNetting   Role = "trigger_netting"   // API-level gate; the engine itself allows anyone
	RoleDeposit          Role = "deposit"           // deposit on behalf of any account
	RoleWithdraw         Role = "withdraw"          // withdraw on behalf of any account
	RolePriceFeed        Role = "price_feed"        // price updates for the price guard
)

// AnyCaller is a wildcard grant that applies to every caller id.
const AnyCaller = "*"

// SystemCaller is the identity of in-process actors such as boot-time party
// registration and the netting scheduler. Transports must reject it.
const SystemCaller = "internal:system"

// IsReserved reports whether a caller id belongs to the in-process namespace.
func IsReserved(caller string) bool {
	return strings.HasPrefix(caller, "internal:")
}

// Authorizer checks whether a caller holds a role.
type Authorizer interface {
	Require(caller string, role Role) error
}

// Table is a concurrency-safe caller → roles mapping.
type Table struct {
	mu    sync.RWMutex
	roles map[string]map[Role]struct{}
}

// NewTable builds a table from caller → roles grants.
func NewTable(grants map[string][]Role) *Table {
	t := &Table{roles: make(map[string]map[Role]struct{}, len(grants))}
	for caller, roles := range grants {
		for _, r := range roles {
			t.grantLocked(caller, r)
		}
	}
	return t
}

func (t *Table) grantLocked(caller string, role Role) {
	set, ok := t.roles[caller]
	if !ok {
		set = make(map[Role]struct{})
		t.roles[caller] = set
	}
	set[role] = struct{}{}
}

// Grant adds a role to a caller.
func (t *Table) Grant(caller string, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.grantLocked(caller, role)
}

// Revoke removes a role from a caller.
func (t *Table) Revoke(caller string, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set, ok := t.roles[caller]; ok {
		delete(set, role)
	}
}

// Has reports whether caller holds role directly or via the wildcard grant.
func (t *Table) Has(caller string, role Role) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.roles[AnyCaller][role]; ok {
		return true
	}
	if caller == "" {
		return false
	}
	_, ok := t.roles[caller][role]
	return ok
}

// Require returns errs.ErrUnauthorized unless caller holds role.
func (t *Table) Require(caller string, role Role) error {
	if t.Has(caller, role) {
		return nil
	}
	return fmt.Errorf("%w: caller %q needs role %s", errs.ErrUnauthorized, caller, role)
}

// RequireAny passes when caller holds at least one of roles. The error names
// the first role.
func RequireAny(a Authorizer, caller string, roles ...Role) error {
	var first error
	for _, r := range roles {
		err := a.Require(caller, r)
		if err == nil {
			return nil
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// Roles lists the roles granted to caller, sorted.
func (t *Table) Roles(caller string) []Role {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Role, 0, len(t.roles[caller]))
	for r := range t.roles[caller] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WithSystem wraps an Authorizer so SystemCaller holds every role.
func WithSystem(inner Authorizer) Authorizer {
	return systemAuthorizer{inner: inner}
}

type systemAuthorizer struct {
	inner Authorizer
}

func (s systemAuthorizer) Require(caller string, role Role) error {
	if caller == SystemCaller {
		return nil
	}
	return s.inner.Require(caller, role)
}

// AllowAll is an Authorizer that grants every role. Used for in-process
// callers that are already trusted (ingestion replays, tests).
type AllowAll struct{}

func (AllowAll) Require(string, Role) error { return nil }
