package authz

// Wildcards. ActionManage matches any action, SubjectAll any resource type.
const (
	ActionManage = "manage"
	SubjectAll   = "all"
)

// Permission allows an action on a resource type, optionally narrowed by
// conditions. Conditions are conjunctive.
type Permission struct {
	Action     string      `json:"action"`
	Subject    string      `json:"subject"`
	Conditions []Condition `json:"conditions,omitempty"`
}

func (p Permission) matches(action, subject string) bool {
	if p.Action != action && p.Action != ActionManage {
		return false
	}
	if p.Subject != subject && p.Subject != SubjectAll {
		return false
	}
	return true
}

// RoleDef declares a role, the roles it inherits from, and its own
// permission set. Inherited permissions are flattened at engine build time.
type RoleDef struct {
	Name        string
	Inherits    []string
	Permissions []Permission
}

// Built-in role names.
const (
	RoleUser     = "USER"
	RoleEditor   = "EDITOR"
	RoleOrgAdmin = "ORG_ADMIN"
	RoleAdmin    = "ADMIN"
)

// DefaultRoles is the built-in hierarchy: USER < EDITOR < ORG_ADMIN < ADMIN.
func DefaultRoles() []RoleDef {
	return []RoleDef{
		{
			Name: RoleUser,
			Permissions: []Permission{
				{Action: "read", Subject: "document", Conditions: []Condition{{Kind: ConditionOrgMatch}}},
				{Action: "read", Subject: "profile", Conditions: []Condition{{Kind: ConditionOwnerMatch}}},
				{Action: "update", Subject: "profile", Conditions: []Condition{{Kind: ConditionOwnerMatch}}},
			},
		},
		{
			Name:     RoleEditor,
			Inherits: []string{RoleUser},
			Permissions: []Permission{
				{Action: "create", Subject: "document", Conditions: []Condition{{Kind: ConditionOrgMatch}}},
				{Action: "update", Subject: "document", Conditions: []Condition{{Kind: ConditionOrgMatch}}},
				{Action: "delete", Subject: "document", Conditions: []Condition{{Kind: ConditionOwnerMatch}}},
			},
		},
		{
			Name:     RoleOrgAdmin,
			Inherits: []string{RoleEditor},
			Permissions: []Permission{
				{Action: ActionManage, Subject: "document", Conditions: []Condition{{Kind: ConditionOrgMatch}}},
				{Action: ActionManage, Subject: "member", Conditions: []Condition{{Kind: ConditionOrgMatch}}},
			},
		},
		{
			Name:        RoleAdmin,
			Inherits:    []string{RoleOrgAdmin},
			Permissions: []Permission{{Action: ActionManage, Subject: SubjectAll}},
		},
	}
}
