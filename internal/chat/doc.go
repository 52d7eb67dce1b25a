// Package chat drives generation runs: the model/tool loop behind
// chat.send.
//
// # Run lifecycle
//
// A run detaches from the requesting connection the moment it starts;
// disconnects never abort generation. The loop alternates between provider
// completions and tool execution, capped at a configurable iteration limit.
// Tool results are committed to durable history as they land, so a later
// provider failure cannot lose completed work. A successful run commits
// exactly one assistant message; a failed run commits none.
//
// # Events
//
// Every state transition is published as a "chat" event: thinking,
// thinking_done, tool_call_start, tool_call_end, streamed deltas, and a
// terminal final or error. Terminal errors carry a classification
// (authentication, rate_limited, upstream_error, generic) and, for rate
// limits, the earliest known reset time.
//
// # Echo suppression
//
// A final reply that merely restates a tool output from the same run is
// flagged so notification channels can skip it. The text itself is stored
// and delivered unmodified.
package chat
