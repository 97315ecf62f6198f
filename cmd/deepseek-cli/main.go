package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meanwhile131/deepseek-cli/agent"
	"github.com/meanwhile131/deepseek-cli/agent/acp"
	"github.com/meanwhile131/deepseek-cli/agent/terminal"
	"github.com/meanwhile131/deepseek-cli/config"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/llm"
	"github.com/meanwhile131/deepseek-cli/llm/deepseek"
	"github.com/meanwhile131/deepseek-cli/logging"
	"github.com/meanwhile131/deepseek-cli/pow"
	"github.com/meanwhile131/deepseek-cli/session"
	"github.com/meanwhile131/deepseek-cli/tools"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type options struct {
	chat          string
	session       string
	resume        string
	toolset       string
	mode          string
	toolVerbosity string
	backend       string
	model         string
	configDir     string
	powCommand    string
	trace         bool
	acp           bool
}

func registerFlags(fs *pflag.FlagSet, o *options) {
	fs.StringVarP(&o.chat, "chat", "c", "", "Resume a remote DeepSeek chat by id")
	fs.StringVarP(&o.session, "session", "s", "", "Session name to create or use")
	fs.StringVarP(&o.resume, "resume", "r", "", "Resume a local session by name")
	fs.StringVarP(&o.toolset, "toolset", "t", "", "Toolset to use (defaults to 'default')")
	fs.StringVarP(&o.mode, "mode", "m", "", "Execution mode: 'auto' or 'prompt'")
	fs.StringVar(&o.toolVerbosity, "tool-verbosity", "", "Tool verbosity level: 'none', 'info', or 'all'")
	fs.StringVar(&o.backend, "backend", "", "Backend: deepseek, openai, anthropic, gemini, bedrock or mock")
	fs.StringVar(&o.model, "model", "", "Model name for vendor backends")
	fs.StringVar(&o.configDir, "config", "", "User configuration directory (defaults to ~/"+config.DirName+")")
	fs.StringVar(&o.powCommand, "pow-command", "", "Program that answers proof-of-work challenges")
	fs.BoolVar(&o.trace, "trace", false, "Enable execution tracing to troubleshoot issues")
	fs.BoolVar(&o.acp, "acp", false, "Serve the Agent Client Protocol over stdio")
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:           "deepseek-cli [prompt...]",
		Short:         "Chat with DeepSeek from the terminal and let it use local tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.acp {
				return runACP(cmd.Context(), cmd.ErrOrStderr(), o)
			}
			return run(cmd.Context(), cmd.OutOrStdout(), o, strings.Join(args, " "))
		},
	}
	registerFlags(cmd.Flags(), o)
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, o *options, initialPrompt string) error {
	cfg, err := config.LoadConfig(o.configDir)
	if err != nil {
		return errors.Wrapf(err, "failed to load configuration")
	}

	log, logCloser, err := logging.New(cfg.Log, o.trace)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	sess, err := openSession(out, o)
	if err != nil {
		return err
	}

	// Flags win over the resumed session, which wins over the defaults.
	o.mode = firstNonEmpty(o.mode, sess.Mode, string(agent.ModeAuto))
	o.toolset = firstNonEmpty(o.toolset, sess.Toolset, "default")
	o.toolVerbosity = firstNonEmpty(o.toolVerbosity, sess.ToolVerbosity, string(agent.ToolVerbosityNone))
	if o.backend == "" && sess.Backend != "" && o.resume != "" {
		o.backend = sess.Backend
	}
	applyOverrides(cfg, o)

	mode, err := parseMode(o.mode)
	if err != nil {
		return err
	}
	verbosity, err := parseVerbosity(o.toolVerbosity)
	if err != nil {
		return err
	}

	backend, err := newBackend(ctx, cfg, log)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize %s backend", cfg.Backend)
	}

	if sess.Backend != "" && sess.Backend != backend.Name() {
		fmt.Fprintf(out, "Session was created with the %s backend; starting a new %s chat.\n", sess.Backend, backend.Name())
		sess.ChatID = ""
		sess.LastMessageID = nil
		sess.FirstTurn = true
	}
	if o.chat != "" {
		sess.Resume(o.chat)
	}

	resuming := sess.ChatID != ""
	if err := backend.Open(ctx, sess); err != nil {
		if !resuming {
			return errors.Wrapf(err, "failed to create chat")
		}
		fmt.Fprintf(out, "Warning: could not resume chat %s: %v\n", sess.ChatID, err)
	}

	sess.Backend = backend.Name()
	sess.Mode = string(mode)
	sess.Toolset = o.toolset
	sess.ToolVerbosity = string(verbosity)
	if err := sess.Save(); err != nil {
		return errors.Wrapf(err, "failed to save session '%s'", sess.Name)
	}

	registry := tools.NewToolRegistry(cfg, log)
	defer registry.Close()
	if err := registry.ConnectMCPServers(ctx); err != nil {
		fmt.Fprintf(out, "Warning: %v\n", err)
	}

	a, err := agent.New(cfg, sess, registry, o.toolset, mode, backend, verbosity)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize agent")
	}
	a.Log = log

	log.Info().
		Str("session", sess.Name).
		Str("backend", backend.Name()).
		Str("chat_id", sess.ChatID).
		Str("mode", string(mode)).
		Str("toolset", o.toolset).
		Msg("agent ready")

	fmt.Fprintf(out, "Chat %s is ready. Type your prompt.\n", sess.ChatID)
	return terminal.New(a).Run(ctx, initialPrompt)
}

// runACP serves the Agent Client Protocol on stdin and stdout. Sessions are
// created by the client, so the flags only provide their defaults.
func runACP(ctx context.Context, status io.Writer, o *options) error {
	cfg, err := config.LoadConfig(o.configDir)
	if err != nil {
		return errors.Wrapf(err, "failed to load configuration")
	}

	log, logCloser, err := logging.New(cfg.Log, o.trace)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	applyOverrides(cfg, o)
	mode, err := parseMode(firstNonEmpty(o.mode, string(agent.ModeAuto)))
	if err != nil {
		return err
	}
	verbosity, err := parseVerbosity(firstNonEmpty(o.toolVerbosity, string(agent.ToolVerbosityNone)))
	if err != nil {
		return err
	}
	toolset := firstNonEmpty(o.toolset, "default")

	backend, err := newBackend(ctx, cfg, log)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize %s backend", cfg.Backend)
	}

	registry := tools.NewToolRegistry(cfg, log)
	defer registry.Close()
	if err := registry.ConnectMCPServers(ctx); err != nil {
		fmt.Fprintf(status, "Warning: %v\n", err)
	}

	tmpl := session.Ephemeral("acp")
	tmpl.Mode = string(mode)
	tmpl.Toolset = toolset
	tmpl.ToolVerbosity = string(verbosity)

	a, err := agent.New(cfg, tmpl, registry, toolset, mode, backend, verbosity)
	if err != nil {
		return errors.Wrapf(err, "failed to initialize agent")
	}
	a.Log = log

	log.Info().Str("backend", backend.Name()).Str("mode", string(mode)).Str("toolset", toolset).Msg("serving ACP")
	return acp.Run(ctx, a, os.Stdin, os.Stdout, log)
}

// openSession loads the session named by --resume or creates a new one.
func openSession(out io.Writer, o *options) (*session.Session, error) {
	if o.resume != "" {
		sess, err := session.Load(o.resume)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to resume session '%s'", o.resume)
		}
		fmt.Fprintf(out, "Resuming session: %s\n", o.resume)
		return sess, nil
	}

	name := o.session
	if name == "" {
		name = defaultSessionName()
	}
	sess, err := session.New(name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create session '%s'", name)
	}
	fmt.Fprintf(out, "Starting new session: %s\n", name)
	return sess, nil
}

func applyOverrides(cfg *config.Config, o *options) {
	if o.backend != "" {
		cfg.Backend = o.backend
	}
	if o.model != "" {
		cfg.Model = o.model
	}
	if o.powCommand != "" {
		cfg.DeepSeek.PoW.Command = o.powCommand
		cfg.DeepSeek.PoW.Args = nil
	}
}

func newBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (llm.Backend, error) {
	switch cfg.Backend {
	case "deepseek":
		client, err := deepseek.NewClient(deepseek.Options{
			BaseURL: cfg.DeepSeek.BaseURL,
			Token:   cfg.DeepSeek.Token,
			Solver:  newSolver(cfg.DeepSeek.PoW, log),
			Headers: cfg.DeepSeek.Headers,
			Logger:  log,
		})
		if err != nil {
			return nil, err
		}
		return deepseek.NewBackend(client, deepseek.Flags{
			Thinking: cfg.DeepSeek.ThinkingEnabled(),
			Search:   cfg.DeepSeek.Search,
		}), nil
	case "openai":
		return llm.NewOpenAIBackend(cfg.Model)
	case "anthropic":
		return llm.NewAnthropicBackend(cfg.Model)
	case "gemini":
		return llm.NewGeminiBackend(ctx, cfg.Model)
	case "bedrock":
		return llm.NewBedrockBackend(ctx, cfg.Model)
	case "mock":
		return &llm.MockBackend{}, nil
	}
	return nil, errors.New("unknown backend '%s'", cfg.Backend)
}

func newSolver(p config.PoW, log zerolog.Logger) pow.Solver {
	if p.Command != "" {
		return pow.CommandSolver{Command: p.Command, Args: p.Args}
	}
	if p.Token == "" {
		log.Warn().Msg("no proof-of-work command or token configured; requests will likely be rejected")
	}
	return pow.StaticSolver{Token: p.Token}
}

func parseMode(s string) (agent.Mode, error) {
	switch agent.Mode(s) {
	case agent.ModeAuto, agent.ModePrompt:
		return agent.Mode(s), nil
	}
	return "", errors.New("invalid mode '%s'. Must be 'auto' or 'prompt'", s)
}

func parseVerbosity(s string) (agent.ToolVerbosity, error) {
	switch agent.ToolVerbosity(s) {
	case agent.ToolVerbosityNone, agent.ToolVerbosityInfo, agent.ToolVerbosityAll:
		return agent.ToolVerbosity(s), nil
	}
	return "", errors.New("invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'", s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "deepseek-cli"
	}
	dirName := filepath.Base(wd)
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s", dirName, timestamp)
}
