// Package mcp is a Model Context Protocol client used to discover tools
// at the start of every turn. It speaks JSON-RPC 2.0 over a subprocess's
// stdin/stdout or over streamable HTTP, lists tools with tools/list and
// runs them with tools/call. Discovered tools are returned as a
// tools.Set so they merge with the static tools like any other source.
package mcp
