// Package mcpprobe probes Model Context Protocol servers.
//
// The probe connects to MCP servers over three transports, runs the
// initialize handshake, enumerates tools, prompts and resources, optionally
// invokes tools, and compares the result against a stored baseline to
// detect drift between runs.
//
// The sub-packages split along the same lines as the protocol itself:
//
//   - pkg/protocol: JSON-RPC 2.0 envelope and MCP message types
//   - pkg/framing: newline-delimited and Content-Length codecs
//   - pkg/transport: pipe, SSE and HTTP transports
//   - pkg/client: request/response correlation and typed MCP operations
//   - pkg/resilience: retry policies, deadline budgets, circuit breakers
//   - pkg/prober: probe orchestration across targets
//   - pkg/baseline: run snapshots and drift detection
//
// The cmd/mcpprobe command wires them together behind a YAML config.
package mcpprobe
