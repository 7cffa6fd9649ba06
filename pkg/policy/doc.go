// Package policy gates deployment plans and upgrades with Open Policy Agent.
//
// Policies are Rego modules defining a deny set. Each element is either a
// message string or an object with message, and optionally rule, entity and
// severity. A plan or upgrade is refused when any violation has error or
// critical severity.
//
// The input document is:
//
//	{
//	  "operation":   "plan" | "upgrade",
//	  "environment": {"id": "polygon", "ephemeral": false, "confirmations": 3},
//	  "admin":       "0x...",
//	  "entities":    [{"name": "Token", "wrapWithPointer": true, ...}],
//	  "upgrade":     {"name": "Token", "version": "2.0.0", "dangerous": true, "approved": false}
//	}
//
// Three policies are built in: entity_naming, pointer_admin and
// dangerous_upgrade. Custom policies are loaded from .rego files or JSON
// policy definitions and can be reloaded when the files change:
//
//	eng, err := policy.NewEngine(logger)
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, []string{"policies"}, nil); err != nil {
//	    return err
//	}
package policy
