// Package acp lets editors such as Zed drive deepseek-cli through the Agent
// Client Protocol: newline-delimited JSON-RPC 2.0 over stdio.
//
// Supported methods are initialize, session/new, session/load, session/prompt
// and session/cancel. Replies stream back as session/update notifications
// (agent_thought_chunk, agent_message_chunk, tool_call and tool_result). In
// prompt mode every tool call is confirmed with a session/request_permission
// request to the client.
//
// Each session runs its own agent loop, so a prompt on one session does not
// hold up the others. Nothing but protocol messages is written to the output
// stream; diagnostics go to the logger.
package acp
