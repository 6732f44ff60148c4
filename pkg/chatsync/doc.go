// Package chatsync keeps one displayed conversation's message list consistent while history is
// fetched, the user sends optimistically, and an assistant reply streams in over a channel.
//
// Ownership model:
//   - A Synchronizer owns exactly one open conversation: its Subscription, Accumulator and Timeline.
//   - Switching conversations tears the old set down (unsubscribe, discard partial reply, clear)
//     before the new subscription is created.
//   - REST responses and channel events are tagged with the epoch of the open they belong to;
//     anything tagged for an earlier epoch is dropped.
//
// Views consume Snapshot() whenever a channel returned by Watch() fires.
package chatsync
