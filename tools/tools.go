package tools

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/meanwhile131/deepseek-cli/config"
	"github.com/meanwhile131/deepseek-cli/errors"
	"github.com/meanwhile131/deepseek-cli/tools/mcp"
	"github.com/rs/zerolog"
)

// Tool defines the interface for any action the agent can take. Arguments
// arrive as the raw text the model wrote after the tool's name.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args string) (string, error)
}

// ToolRegistry holds all available tools in registration order.
type ToolRegistry struct {
	tools      map[string]Tool
	order      []string
	mcpServers []config.MCPServer
	mcpClients map[string]*mcp.MCPClient
	log        zerolog.Logger
}

func NewToolRegistry(cfg *config.Config, log zerolog.Logger) *ToolRegistry {
	r := &ToolRegistry{
		tools:      make(map[string]Tool),
		mcpServers: cfg.AdditionalMCPServers,
		mcpClients: make(map[string]*mcp.MCPClient),
		log:        log,
	}

	r.Register(&ListFilesTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&CreateDirectoryTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&ReadFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&WriteFileTool{fsAccess: &cfg.FilesystemAccess})
	r.Register(&RunCommandTool{allowedCommands: cfg.AllowedCommands, log: log})
	r.Register(&SearchReplaceTool{fsAccess: &cfg.FilesystemAccess})

	return r
}

func (r *ToolRegistry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns every registered tool in registration order.
func (r *ToolRegistry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// ConnectMCPServers starts the configured MCP servers and registers their
// tools as "<server>.<tool>". A server that fails to start is reported but
// does not prevent the others from connecting.
func (r *ToolRegistry) ConnectMCPServers(ctx context.Context) error {
	var errs []error
	for _, srv := range r.mcpServers {
		if _, ok := r.mcpClients[srv.Name]; ok {
			continue
		}
		client, err := mcp.NewMCPClient(ctx, srv.Name, srv.Command, srv.Args, r.log)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.mcpClients[srv.Name] = client
		for _, t := range client.Tools() {
			r.Register(t)
		}
	}
	return errors.Join(errs...)
}

// Close stops all MCP server subprocesses.
func (r *ToolRegistry) Close() error {
	var errs []error
	for name, c := range r.mcpClients {
		if err := c.Stop(); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to stop MCP server '%s'", name))
		}
		delete(r.mcpClients, name)
	}
	return errors.Join(errs...)
}

// GetActiveTools returns the tool instances for a given toolset. MCP tools may
// be named "<server>.<tool>" or "<server>:<tool>", and "<server>.*" selects
// every tool of a server.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	seen := make(map[string]bool)
	add := func(t Tool) {
		if !seen[t.Name()] {
			seen[t.Name()] = true
			activeTools = append(activeTools, t)
		}
	}

	for _, toolName := range ts.Tools {
		if server, ok := strings.CutSuffix(toolName, ".*"); ok {
			client, ok := r.mcpClients[server]
			if !ok {
				return nil, errors.New("MCP server '%s' from toolset '%s' is not connected", server, ts.Name)
			}
			for _, t := range client.Tools() {
				add(t)
			}
			continue
		}

		name := strings.Replace(toolName, ":", ".", 1)
		t, ok := r.GetTool(name)
		if !ok {
			return nil, errors.New("tool '%s' from toolset '%s' is not registered", toolName, ts.Name)
		}
		add(t)
	}
	return activeTools, nil
}

// relPath makes absolute paths inside the working directory relative, so the
// glob rules in the config apply to them too.
func relPath(path string) string {
	path = filepath.Clean(path)
	if filepath.IsAbs(path) {
		if wd, err := os.Getwd(); err == nil {
			if rel, err := filepath.Rel(wd, path); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				path = rel
			}
		}
	}
	return filepath.ToSlash(path)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	path = relPath(path)
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern '%s'", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func checkReadable(path string, fsAccess *config.FilesystemAccess) error {
	hidden, err := isPathRestricted(path, fsAccess.Hidden)
	if err != nil {
		return err
	}
	if hidden {
		return errors.New("access denied: path '%s' is hidden", path)
	}
	return nil
}

func checkWritable(path string, fsAccess *config.FilesystemAccess) error {
	if err := checkReadable(path, fsAccess); err != nil {
		return err
	}
	readOnly, err := isPathRestricted(path, fsAccess.ReadOnly)
	if err != nil {
		return err
	}
	if readOnly {
		return errors.New("access denied: path '%s' is read-only", path)
	}
	return nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string, log zerolog.Logger) bool {
	if strings.TrimSpace(command) == "" {
		return false
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			log.Warn().Err(err).Str("pattern", pattern).Msg("invalid regex in allowed_commands")
			// Fallback to simple string comparison if regex is invalid
			if command == pattern {
				return true
			}
			continue
		}
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
