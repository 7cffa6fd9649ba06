// Package stores provides progress ledger persistence.
//
// Three backends implement engine.ProgressStore:
//
//   - FileStore writes one progress.<env>.json file per environment with an
//     atomic temp-file rename, through an afero filesystem.
//   - SQLiteStore keeps ledgers in a stage_records table and records run
//     history (runs and events) from the telemetry event stream.
//   - MemoryStore keeps ledgers in memory, for tests and dry runs.
//
// Ledgers are always saved whole: Save replaces every record of the
// environment.
package stores
