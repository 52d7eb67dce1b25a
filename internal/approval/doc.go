// Package approval implements the human approval gate for gated tool
// executions. A pending request blocks the generation run until a decision
// arrives or the timeout (default 120s) expires; expiry denies. The first
// decision wins and later resolutions are rejected.
package approval
