package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/rs/zerolog"
)

// RunCommandTool runs a program directly, without a shell. Each line of the
// arguments is one argv entry.
type RunCommandTool struct {
	allowedCommands []string
	log             zerolog.Logger
}

func (t *RunCommandTool) Name() string { return "run_command" }
func (t *RunCommandTool) Description() string {
	desc := "runs a shell command. arguments: newline-separated arguments for the command (the first 'argument' is the command itself)"
	if len(t.allowedCommands) == 0 {
		return desc + ". No commands are currently allowed."
	}
	if len(t.allowedCommands) == 1 && t.allowedCommands[0] == ".*" {
		return desc
	}
	return fmt.Sprintf("%s. Allowed command patterns (regular expressions): %s", desc, strings.Join(t.allowedCommands, ", "))
}

// parseArgv splits the argument blob into argv, one entry per line.
func parseArgv(args string) []string {
	lines := strings.Split(args, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func (t *RunCommandTool) Execute(ctx context.Context, args string) (string, error) {
	argv := parseArgv(args)
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return "", errors.New("missing command")
	}

	command := strings.Join(argv, " ")
	if !isCommandAllowed(command, t.allowedCommands, t.log) {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	output, err := cmd.CombinedOutput()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", errors.Wrapf(err, "failed to run '%s'", argv[0])
		}
		code = exitErr.ExitCode()
	}
	t.log.Debug().Strs("argv", argv).Int("exit_code", code).Int("output_bytes", len(output)).Msg("command finished")

	return fmt.Sprintf("%s\n\nThe command exited with code %d", output, code), nil
}
