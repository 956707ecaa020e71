// Package chat maintains the Twitch IRC chat connection.
//
// A Manager dials the chat server, performs the capability, PASS and NICK
// handshake, keeps the link alive with periodic PINGs and reconnects with
// exponential backoff when the link drops or goes stale. Login failures are
// terminal.
//
// Commands are correlated with their server replies: Command registers a
// predicate, sends the line and waits for either a matching message or a
// NOTICE whose msg-id Classify maps to a success or a failure.
//
// StartRecorder persists PRIVMSGs from a Manager into the chat_messages
// table.
package chat
