package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		entityNamingPolicy(),
		pointerAdminPolicy(),
		dangerousUpgradePolicy(),
	}
}

func entityNamingPolicy() Policy {
	return Policy{
		Name:        "entity_naming",
		Description: "Logical entity names start with a letter and use letters, digits, dots, underscores and hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagehand.policies.naming

deny contains violation if {
	some entity in input.entities
	not regex.match("^[A-Za-z][A-Za-z0-9._-]*$", entity.name)
	violation := {
		"rule": "name_format",
		"entity": entity.name,
		"message": sprintf("entity name '%s' must start with a letter and contain only letters, digits, '.', '_' or '-'", [entity.name]),
	}
}

deny contains violation if {
	u := input.upgrade
	not regex.match("^[A-Za-z][A-Za-z0-9._-]*$", u.name)
	violation := {
		"rule": "name_format",
		"entity": u.name,
		"message": sprintf("entity name '%s' must start with a letter and contain only letters, digits, '.', '_' or '-'", [u.name]),
	}
}`,
	}
}

func pointerAdminPolicy() Policy {
	return Policy{
		Name:        "pointer_admin",
		Description: "Entities wrapped with a pointer need an admin identity",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagehand.policies.pointer

deny contains violation if {
	input.operation == "plan"
	input.admin == ""
	some entity in input.entities
	entity.wrapWithPointer
	violation := {
		"rule": "admin_required",
		"entity": entity.name,
		"message": sprintf("entity %s is wrapped with a pointer but no admin identity is configured", [entity.name]),
	}
}`,
	}
}

func dangerousUpgradePolicy() Policy {
	return Policy{
		Name:        "dangerous_upgrade",
		Description: "Dangerous repoints on persistent environments need explicit approval",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stagehand.policies.upgrade

deny contains violation if {
	u := input.upgrade
	u.dangerous
	not input.environment.ephemeral
	not u.approved
	violation := {
		"rule": "approval_required",
		"entity": u.name,
		"message": sprintf("dangerous upgrade of %s to %s on %s requires approval", [u.name, u.version, input.environment.id]),
	}
}`,
	}
}
