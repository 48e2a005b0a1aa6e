// this file enforces access control over the administrative surface of the
// engine (compaction, snapshot restore, pack/apply_pack) — never over
// per-znode operations, which are evaluated against each node's own ACL
// list in internal/store/acl.go instead.
package auth

import (
	"fmt"

	"github.com/casbin/casbin"
)

// AdminOp names one of the privileged engine operations gated by this
// authorizer, matching the "object" column of the policy CSV.
type AdminOp string

const (
	OpCompact     AdminOp = "compact"
	OpSnapshot    AdminOp = "snapshot"
	OpRestore     AdminOp = "restore"
	OpPack        AdminOp = "pack"
	OpApplyPack   AdminOp = "apply_pack"
	OpReconfigure AdminOp = "reconfigure"
)

// AdminAuthorizer gates the administrative HTTP surface (internal/admin)
// by operator identity, distinct from and never substituting for a
// session's per-znode ACL evaluation.
type AdminAuthorizer struct {
	enforcer *casbin.Enforcer
}

// New returns an enforcer backed by model (casbin model.conf) and
// policy (a CSV policy table of operator -> AdminOp grants).
func New(model, policy string) *AdminAuthorizer {
	enforcer := casbin.NewEnforcer(model, policy)
	return &AdminAuthorizer{enforcer: enforcer}
}

// Authorize reports whether operator may perform op against the
// engine as a whole (the "resource" is always the singleton engine,
// so the object column of the policy is just the op name).
func (a *AdminAuthorizer) Authorize(operator string, op AdminOp) error {
	if !a.enforcer.Enforce(operator, string(op), "exec") {
		return fmt.Errorf("operator %q not permitted to %s the engine", operator, op)
	}
	return nil
}
