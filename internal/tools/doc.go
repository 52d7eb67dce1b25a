// Package tools defines model-invocable tools and their registry. Tool
// results are fed back to the model as a JSON envelope with exactly one of
// "result" or "error" set. Gated tools require a human approval decision
// before every execution.
package tools
