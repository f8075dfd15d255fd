// Package release keeps one pending delivery per tracked subscription and
// reconciles it against the metadata provider.
//
// The Engine owns two in-memory structures: a job registry (one armed
// timer per subscription) and an in-flight guard (subscriptions currently
// executing a delivery). Both are rebuilt from the store on every start;
// the subscription rows and the reconciliation checkpoint are the only
// durable state.
//
// Timers fire on their own goroutines. The startup catch-up and the
// periodic refresh walk rows sequentially with a courtesy delay between
// provider calls.
package release
