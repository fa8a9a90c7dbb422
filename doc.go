// Package bub is an agent message bus and tape-backed agent runtime.
//
// It brokers JSON-RPC messages between loosely-coupled participants
// (channel adapters, interactive CLIs, long-running agent sessions) and
// runs per-session agent loops whose conversational state lives on a
// tape: an append-only log of messages, tool calls, and anchors.
//
// # Architecture
//
// A bus server routes messages between clients by topic. Topics are
// colon-delimited strings ("inbound:42", "tg:12345"); subscriptions use
// patterns with single-segment and trailing wildcards. Inside the agent
// process a channel bridge subscribes to inbound topics, feeds each
// delivery to the owning session's model loop, and publishes the reply
// on the matching outbound topic.
//
//	adapter -> bus client -> bus server -> bridge -> session -> tape
//	                                                    |
//	adapter <- bus server <- bus client <- bridge <- model loop
//
// # Core contracts
//
//   - [Provider] is the model boundary: messages and tools in, text or
//     tool calls out.
//   - [Tool] is a pluggable capability invoked by the model loop.
//   - [TapeStore] is append-only persistence with fork, anchor, and
//     reset semantics (backends under tape/).
//   - bus.Client and bus.Server form the wire layer (package bus).
//
// Included implementations: provider/openaicompat (any OpenAI-compatible
// chat API), tape/file (newline-delimited JSON), tape/sqlite,
// tape/postgres, tools/shell, tools/file. See cmd/bub for the binary.
package bub
