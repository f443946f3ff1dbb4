// Package memory implements the team-memory injection engine: a client for
// the external memory service, the preview block and static expand-tool
// description injected into outgoing requests, and the two-phase
// pending/committed record buffer that lets every historical injection be
// replayed byte-stably onto a request the client resent without it.
package memory
