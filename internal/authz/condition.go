package authz

import "fmt"

// ConditionKind selects the evaluation strategy for a permission condition.
type ConditionKind string

const (
	// ConditionOrgMatch requires the subject and resource to belong to the
	// same organization.
	ConditionOrgMatch ConditionKind = "org_match"
	// ConditionOwnerMatch requires the subject to own the resource.
	ConditionOwnerMatch ConditionKind = "owner_match"
	// ConditionDynamic delegates to a predicate registered under Tag.
	ConditionDynamic ConditionKind = "dynamic"
)

// Condition narrows a permission. All conditions attached to a permission
// must hold for the permission to apply.
type Condition struct {
	Kind ConditionKind `json:"kind"`
	Tag  string        `json:"tag,omitempty"`
}

// Resource is the object side of an authorization check.
type Resource struct {
	Type    string
	ID      string
	OrgID   string
	OwnerID string
}

// Subject is the acting side of an authorization check.
type Subject struct {
	UserID string
	Role   string
	OrgID  string
}

// Predicate evaluates a dynamic condition for a subject/resource pair.
type Predicate func(sub Subject, res Resource) bool

func (c Condition) eval(sub Subject, res Resource, predicates map[string]Predicate) (bool, error) {
	switch c.Kind {
	case ConditionOrgMatch:
		return sub.OrgID != "" && sub.OrgID == res.OrgID, nil
	case ConditionOwnerMatch:
		return sub.UserID != "" && sub.UserID == res.OwnerID, nil
	case ConditionDynamic:
		p, ok := predicates[c.Tag]
		if !ok {
			return false, fmt.Errorf("authz: no predicate registered for tag %q", c.Tag)
		}
		return p(sub, res), nil
	default:
		return false, fmt.Errorf("authz: unknown condition kind %q", c.Kind)
	}
}
