// Package storage persists subscriptions, delivery preferences and the
// reconciliation checkpoint.
//
// Drivers:
//   - sqlite: modernc.org/sqlite database file (default)
//   - memory: process-local maps, for development and tests
//
// The checkpoint can be moved to redis with OpenCheckpoint so several
// deployments sharing a database do not fight over it.
//
// The bot itself only reads subscriptions and preferences and writes
// next-release times, the checkpoint and the delivered log. The write-side
// methods (PutSubscription, DeleteSubscription, SetPreference,
// SetGuildChannel) serve whatever surface manages subscriptions, which calls
// Engine.Schedule and Engine.Cancel after its writes, and the tests.
package storage
