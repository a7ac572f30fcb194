// Package continuity keeps a participant's groups bound to their history.
//
// Every commit the participant merges while staying in a group yields an
// exporter PSK, derived from the new epoch and queued in the session. The
// next InjectQueuedPsks commit on the send group carries every queued PSK,
// so a member who missed an epoch cannot follow the group past it.
//
// A merged commit either queues a PSK (the participant is still a member)
// or deletes the group's stored state (the participant was removed), never
// both.
package continuity
