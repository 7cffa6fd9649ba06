// Package config loads deployment manifests and environment profiles.
//
// # Manifests
//
// A manifest declares the entities to deploy. It can be written in YAML or
// CUE; both decode into the same Manifest structure and are checked with
// struct validation. CUE manifests are additionally unified with a built-in
// #Entity schema, so type errors are reported with file and line.
//
//	name: polygon-core
//	entities:
//	  - name: AddressManager
//	  - name: Storage
//	    dependencies: [AddressManager]
//	  - name: Token
//	    wrapWithPointer: true
//	    allow: true
//	    initArgs: ["@Storage", "${TOKEN_SYMBOL}"]
//	    dependencies: [AddressManager, Storage]
//
// References of the form ${VAR} are replaced from the process environment
// before parsing. An undefined variable is an error.
//
// Manifests that are easier to generate than to write are Starlark scripts
// (.star) defining the same entities list; see StarlarkParser.
//
// # Profiles
//
// Environment profiles live in stagehand.toml:
//
//	default_environment = "polygon"
//
//	[environments.polygon]
//	confirmations = 3
//	admin = "0x00000000000000000000000000000000000000ad"
//	registry = "@AddressManager"
//	capability = "@Storage"
//
//	[environments.polygon.store]
//	kind = "sqlite"
//	path = ".stagehand/stagehand.db"
//
//	[environments.polygon.backend]
//	kind = "ssh"
//	runner_path = "bin/stagehand-sim"
//
//	[environments.polygon.backend.ssh]
//	host = "executor.internal"
//	user = "deployer"
//
// Without a file, the "localhost" profile deploys against the in-process
// simulator with an in-memory ledger.
package config
