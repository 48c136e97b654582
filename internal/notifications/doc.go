// Package notifications delivers deposit and pipeline events via pluggable
// notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when no topic is set. Each event type
// can be suppressed individually through the [notifications] toggles.
//
// Callers treat delivery as fire-and-forget: a failed notification is logged
// and never changes deposit or pipeline state.
package notifications
