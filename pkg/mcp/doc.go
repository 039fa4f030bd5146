// Package mcp connects to Model Context Protocol servers.
//
// Servers come from two places: the mcp.json file in the working directory
// and the mcpServers list a protocol client declares when it opens a session.
// Both are normalized into ServerSpec values and held by a Manager, which
// starts stdio servers lazily on first use and proxies tools/list and
// tools/call to them.
package mcp
