// Package agent runs the conversation loop of deepseek-cli.
//
// An Agent moves between four states:
//
//   - StateAwaitingInput: waiting for a line from the user
//   - StateRunningTurn: streaming the model's reply to one prompt
//   - StateExecutingTools: running the tool calls found in the reply
//   - StateDone: the loop has ended
//
// When a reply contains tool calls, their results become the next prompt
// without asking the user. Otherwise the loop waits for input again.
//
// # Usage
//
//	a, err := agent.New(cfg, sess, registry, toolset, agent.ModeAuto, backend, agent.ToolVerbosityInfo)
//	if err != nil {
//	    // handle error
//	}
//
//	err = a.Run(ctx, initialPrompt, agent.Input{Lines: lines, Interrupts: interrupts}, agent.ProcessCallbacks{
//	    OnFragment: func(f llm.Fragment) { fmt.Print(f.Text) },
//	})
//
// # Interrupts
//
// An interrupt during a turn or a tool batch cancels it; the session is left
// as it was before the turn. Two interrupts within InterruptWindow end the
// loop, as do "/quit", "/exit" and the end of input.
//
// # Modes
//
//   - ModeAuto: tool calls run without confirmation
//   - ModePrompt: each call is confirmed through ProcessCallbacks.ShouldExecuteTool
//
// # Tool Verbosity
//
//   - ToolVerbosityNone: tool calls are not shown
//   - ToolVerbosityInfo: tool names are shown
//   - ToolVerbosityAll: arguments and results are shown as well
//
// Verbosity is only a hint for front-ends; the agent itself always sends the
// full results to the model.
package agent
