// A per-account rate-limited dispatcher for the outbound requests of API clients.
//
// Features:
//
// - Per-partition FIFO queues: requests for the same account are sent in submission order
//
// - Client-side leaky bucket pacing, reconciled with the call-limit counters reported by the remote service
//
// - Explicit throttling (HTTP 429, Retry-After) blocks the whole partition for the suggested wait
//
// - Bounded queues with synchronous QueueFull rejection
//
// - Exact cancellation of queued requests, best-effort cancellation of in-flight ones
//
// - Failure isolation: a crashing partition is restarted with its backlog and never affects the others
//
// - Idle partitions are torn down automatically
//
// - Optional best-effort statistics on memory or redis
//
// - Thread safe
//
package exshopify
