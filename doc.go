// Package mcp implements a client for invoking remote tools over one of two channels: stateless
// HTTP requests, or a persistent WebSocket carrying JSON-RPC 2.0 frames. Both channels satisfy the
// same Transport contract, so a Client behaves identically whichever it was built with.
//
// A Client is created with NewClient, connected with Connect, and used through ListTools and
// CallTool. Tool call failures are always reported as a *ToolCallError whose Message is the
// server-reported text, with the underlying cause available through errors.As.
package mcp
