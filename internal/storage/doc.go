// Package storage persists reminder records and per-chat settings in SQLite.
//
// Two data shapes live here with deliberately different write disciplines:
//
//   - Reminders are row-per-record with transactional supersede-then-insert
//     semantics and no retries: any failure is wrapped and surfaced.
//   - Chat settings are a single JSON blob per chat, mutated exclusively
//     through a bounded compare-and-swap loop (MutateSettings) so concurrent
//     writers never clobber each other without locks.
package storage
