// Package terminal implements the interactive command-line front-end of
// deepseek-cli.
//
// It reads prompts line by line, streams the model's reasoning and output
// under separate headings, and asks for confirmation before each tool call
// in prompt mode. SIGINT is forwarded to the agent as an interrupt: one
// cancels the running turn, two in quick succession exit.
//
// # Usage
//
//	a, err := agent.New(cfg, sess, registry, toolset, mode, backend, verbosity)
//	if err != nil {
//	    // handle error
//	}
//
//	term := terminal.New(a)
//	err = term.Run(ctx, initialPrompt)
//
// Output is styled with lipgloss when stdout is a terminal and left plain
// otherwise. The prompt marker is only printed when stdin is a terminal.
package terminal
