// Package permissions implements the fail-closed permission evaluator used
// to gate inbound property access and to filter outbound subscription
// callback payloads.
package permissions

// Operation is a permitted action on a property path.
type Operation string

const (
	OpRead   Operation = "read"
	OpWrite  Operation = "write"
	OpDelete Operation = "delete"
)

// Allowlist is an allow/deny list used for method/action/tool/resource/
// prompt style RPC gating. Deny always wins over allow.
type Allowlist struct {
	Allow []string
	Deny  []string
}

// Evaluate returns the decision for name against the allow/deny list. An
// empty Allowlist (no entries at all) is NotApplicable.
func (a Allowlist) Evaluate(name string) Decision {
	if len(a.Allow) == 0 && len(a.Deny) == 0 {
		return NotApplicable
	}
	for _, d := range a.Deny {
		if matchGlob(d, name) {
			return Denied
		}
	}
	for _, al := range a.Allow {
		if matchGlob(al, name) {
			return Allowed
		}
	}
	return NotApplicable
}

// Policy is the merged permission set in effect for one (accessor, resource
// class) pair, i.e. one trust relationship.
type Policy struct {
	Patterns         []string
	ExcludedPatterns []string
	Operations       map[Operation]bool

	Methods   Allowlist
	Actions   Allowlist
	Tools     Allowlist
	Resources Allowlist
	Prompts   Allowlist
}

// HasOperation reports whether op is in the policy's permitted set. A nil or
// empty Operations map permits nothing.
func (p *Policy) HasOperation(op Operation) bool {
	if p == nil || p.Operations == nil {
		return false
	}
	return p.Operations[op]
}

// Merge combines a base tier policy with a per-trust override. Patterns,
// excluded patterns, and permitted operations are unioned; allow/deny lists
// from the override extend the base lists (deny still wins at evaluation
// time, regardless of which list an entry came from).
func Merge(base, override *Policy) *Policy {
	if base == nil && override == nil {
		return nil
	}
	if base == nil {
		return override
	}
	if override == nil {
		return base
	}

	merged := &Policy{
		Patterns:         append(append([]string{}, base.Patterns...), override.Patterns...),
		ExcludedPatterns: append(append([]string{}, base.ExcludedPatterns...), override.ExcludedPatterns...),
		Operations:       make(map[Operation]bool, len(base.Operations)+len(override.Operations)),
		Methods:          mergeAllowlist(base.Methods, override.Methods),
		Actions:          mergeAllowlist(base.Actions, override.Actions),
		Tools:            mergeAllowlist(base.Tools, override.Tools),
		Resources:        mergeAllowlist(base.Resources, override.Resources),
		Prompts:          mergeAllowlist(base.Prompts, override.Prompts),
	}
	for op, ok := range base.Operations {
		if ok {
			merged.Operations[op] = true
		}
	}
	for op, ok := range override.Operations {
		if ok {
			merged.Operations[op] = true
		}
	}
	return merged
}

func mergeAllowlist(base, override Allowlist) Allowlist {
	return Allowlist{
		Allow: append(append([]string{}, base.Allow...), override.Allow...),
		Deny:  append(append([]string{}, base.Deny...), override.Deny...),
	}
}

// BaseTierPolicy returns the built-in base permission set for a trust
// relationship tier. Tiers not recognised here fall through to the
// per-trust override alone (an unknown tier grants nothing on its own).
func BaseTierPolicy(relationship string) *Policy {
	switch relationship {
	case "creator", "admin":
		return &Policy{
			Patterns:   []string{"**"},
			Operations: map[Operation]bool{OpRead: true, OpWrite: true, OpDelete: true},
			Methods:    Allowlist{Allow: []string{"*"}},
			Actions:    Allowlist{Allow: []string{"*"}},
			Tools:      Allowlist{Allow: []string{"*"}},
			Resources:  Allowlist{Allow: []string{"*"}},
			Prompts:    Allowlist{Allow: []string{"*"}},
		}
	case "friend", "partner":
		return &Policy{
			Patterns:   []string{"**"},
			Operations: map[Operation]bool{OpRead: true},
		}
	case "associate":
		return &Policy{
			Patterns:   []string{"public/*", "public/**"},
			Operations: map[Operation]bool{OpRead: true},
		}
	default:
		return nil
	}
}
