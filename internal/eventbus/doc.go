// Package eventbus fans committed session events out to their consumers.
//
// The event log calls Publish once per committed event. Publishers must not
// block the append path for long: Broadcaster drops events for subscribers
// that fall behind, and KafkaPublisher hands messages to an asynchronous
// writer.
//
//   - Broadcaster: in-process subscribers per session, backing the live
//     events endpoint
//   - KafkaPublisher: one JSON message per event, keyed by agent and session
//     so a session's events stay in order within a partition
//   - Multi: forwards to several publishers
package eventbus
