package inverse

import (
	"fmt"

	"github.com/Voskan/taodb/pkg/taocfg"
)

// FromConfig builds a Registry from the inverse_rules section of a loaded
// Config.
func FromConfig(rules []taocfg.InverseRule) (*Registry, error) {
	r := NewRegistry()
	for _, rule := range rules {
		var policy Policy
		switch rule.Policy {
		case "none":
			policy = None
		case "self":
			policy = Self
		case "inverse":
			policy = Inverse(rule.InverseType)
		default:
			return nil, fmt.Errorf("inverse: unknown policy %q for type %q", rule.Policy, rule.Type)
		}
		if err := r.Register(rule.Type, policy); err != nil {
			return nil, err
		}
	}
	return r, nil
}
