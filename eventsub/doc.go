// Package eventsub maintains a Twitch EventSub WebSocket session.
//
// A Manager dials the server, waits for session_welcome and then subscribes
// every wanted type through a Subscriber (normally the Helix client in
// twitchapi). Session liveness is tracked with a watchdog that any inbound
// frame resets; when the declared keepalive plus grace passes in silence the
// socket is dropped and reopened through the backoff policy, which yields a
// new session and a fresh round of subscriptions.
//
// session_reconnect is handled by migration: a second socket is opened on the
// reconnect URL and the old one keeps delivering until the new one is
// welcomed. Subscriptions survive a migration. A revocation removes the
// subscription, refreshes the credential and opens a new session.
//
// Notifications are deduplicated by message id and published on
// Notifications; every decoded frame is also published on Messages and
// offered to AwaitMessage waiters.
package eventsub
