// Package mls is a compact group key-agreement engine in the shape of
// RFC 9420. It keeps a flat member list, advances an HKDF key schedule on
// every commit, seals path and welcome secrets to X25519 keys, signs all
// framed content with Ed25519 and frames messages in a TLS-style encoding.
//
// Every piece of group state lives in a kvstore.Store reached through the
// Provider; a Group value is a cache of what was last loaded or merged.
//
// Lifecycle
//
//   - CreateGroup starts epoch 0 with the caller as the only member.
//   - A CommitBuilder stages a commit as the group's pending commit;
//     MergePendingCommit moves the group to the next epoch.
//   - Other members stage the same commit with ProcessMessage and call
//     MergeStagedCommit.
//   - New members join from the Welcome produced alongside an adding commit.
//   - A member removed by a commit merges it and becomes inactive.
package mls
