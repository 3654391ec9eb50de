// Package mcp exposes the pipeline coordinator as an MCP server.
//
// The server uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// over the stdio transport and registers four tools:
//
//   - generate_docs submits a generation request and, unless run in the
//     background, waits for its terminal result
//   - deployment_status reports the deployment record and in-flight stage
//     for a token
//   - cancel_generation cancels an in-flight run
//   - list_providers shows every provider with its cooldown state
//
// Document content, failure reasons and remote messages are scrubbed for
// secrets before they are returned to clients.
package mcp
