// Package governor arbitrates how much work the host runs at once.
//
// It owns four independent bounded queues:
//
//   - scheduled runs: cron-fired task instances, duplicate-capped per task
//   - manual runs: user-initiated, same ceiling, no duplicate cap
//   - dependency installs: serialized, tracked by active dependency id
//   - log appends: serialized, ordering alone guarantees safety
//
// The governor decides only whether and when work may start; it never decides
// scheduling times and never looks inside a work unit. Backlog accounting is
// explicit: the caller releases its run record when the run concludes,
// independent of the queue-level outcome.
package governor
