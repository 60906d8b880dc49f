package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/kindling-ai/kindling/pkg/llm"
	"github.com/kindling-ai/kindling/pkg/rpc"
)

// unhealthyAfter is the consecutive-failure count at which a server is
// marked unhealthy. A later success marks it healthy again.
const unhealthyAfter = 3

// clientInfo identifies this runtime in the initialize handshake.
var clientInfo = map[string]interface{}{
	"name":    "kindling",
	"version": "0.1.0",
}

// serverEntry is one live server with its wire handle and catalog.
type serverEntry struct {
	config      ServerConfig
	caller      caller
	tools       []llm.ToolDescriptor
	healthy     bool
	failures    int
	initialized bool
}

// Registry discovers configured tool servers, caches their tool catalogs,
// and maps tool names to the owning server. Duplicate tool names across
// servers resolve to the first-registered server; the collision is logged,
// not rejected — tool names are a flat global namespace by convention.
type Registry struct {
	logger zerolog.Logger

	mu      sync.RWMutex
	servers map[string]*serverEntry
	order   []string          // registration order, drives the tie-break
	byTool  map[string]string // tool name -> server name
}

// NewRegistry creates a registry from static configuration. Catalogs are
// fetched by Load; a server skipped there still connects lazily when
// Execute first reaches it.
func NewRegistry(configs []ServerConfig, logger zerolog.Logger) *Registry {
	r := &Registry{
		logger:  logger.With().Str("component", "toolserver").Logger(),
		servers: make(map[string]*serverEntry),
		byTool:  make(map[string]string),
	}
	for _, cfg := range configs {
		name := strings.TrimSpace(cfg.Name)
		if name == "" {
			continue
		}
		if _, dup := r.servers[name]; dup {
			r.logger.Warn().Str("server", name).Msg("Duplicate server name in config, keeping first")
			continue
		}
		r.servers[name] = &serverEntry{config: cfg, healthy: true}
		r.order = append(r.order, name)
	}
	return r
}

// Load connects every configured server and fetches its tool catalog.
// A server that fails discovery is marked unhealthy but stays registered.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for _, name := range r.order {
		if err := r.loadServerLocked(ctx, r.servers[name]); err != nil {
			r.logger.Error().Str("server", name).Err(err).Msg("Tool server discovery failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("discover %s: %w", name, err)
			}
		}
	}
	r.rebuildToolMapLocked()
	return firstErr
}

// Reload re-fetches every catalog, replacing stale entries wholesale.
// Readers never observe a partially updated catalog.
func (r *Registry) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range r.order {
		entry := r.servers[name]
		entry.initialized = false
		if err := r.loadServerLocked(ctx, entry); err != nil {
			r.logger.Error().Str("server", name).Err(err).Msg("Tool server reload failed")
		}
	}
	r.rebuildToolMapLocked()
	return nil
}

// ListTools returns every advertised tool across healthy servers. When two
// servers advertise the same name, only the winning server's descriptor is
// returned.
func (r *Registry) ListTools() []llm.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []llm.ToolDescriptor
	seen := make(map[string]bool)
	for _, name := range r.order {
		entry := r.servers[name]
		for _, tool := range entry.tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			out = append(out, tool)
		}
	}
	return out
}

// ListToolsFor returns the tools visible through an allow-list of server
// names. An empty allow-list means all servers.
func (r *Registry) ListToolsFor(allowedServers []string) []llm.ToolDescriptor {
	if len(allowedServers) == 0 {
		return r.ListTools()
	}
	allowed := make(map[string]bool, len(allowedServers))
	for _, s := range allowedServers {
		allowed[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []llm.ToolDescriptor
	seen := make(map[string]bool)
	for _, name := range r.order {
		if !allowed[name] {
			continue
		}
		for _, tool := range r.servers[name].tools {
			if seen[tool.Name] || r.byTool[tool.Name] != name {
				continue
			}
			seen[tool.Name] = true
			out = append(out, tool)
		}
	}
	return out
}

// ServerFor resolves a tool name to its owning server.
func (r *Registry) ServerFor(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byTool[toolName]
	return name, ok
}

// Servers returns a snapshot of all server records.
func (r *Registry) Servers() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Server, 0, len(r.order))
	for _, name := range r.order {
		entry := r.servers[name]
		out = append(out, Server{
			Name:      name,
			Transport: entry.config.Transport,
			Tools:     append([]llm.ToolDescriptor(nil), entry.tools...),
			Healthy:   entry.healthy,
		})
	}
	return out
}

// MarkUnhealthy flags a server as unhealthy. Its tools stay registered.
func (r *Registry) MarkUnhealthy(serverName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.servers[serverName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, serverName)
	}
	entry.healthy = false
	r.logger.Warn().Str("server", serverName).Msg("Tool server marked unhealthy")
	return nil
}

// ValidateArgs checks tool-call arguments against the tool's advertised
// JSON schema. Tools without a schema always pass.
func (r *Registry) ValidateArgs(toolName string, args map[string]interface{}) error {
	r.mu.RLock()
	var schema map[string]interface{}
	if serverName, ok := r.byTool[toolName]; ok {
		for _, tool := range r.servers[serverName].tools {
			if tool.Name == toolName {
				schema = tool.Schema
				break
			}
		}
	} else {
		r.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	r.mu.RUnlock()

	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		// A broken schema should not make the tool uncallable.
		r.logger.Warn().Str("tool", toolName).Err(err).Msg("Skipping validation for unloadable schema")
		return nil
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid arguments for %s: %s", toolName, strings.Join(msgs, "; "))
	}
	return nil
}

// Execute dispatches a tool call to its owning server and returns the
// textual result content.
func (r *Registry) Execute(ctx context.Context, toolName string, args map[string]interface{}) (string, error) {
	r.mu.Lock()
	serverName, ok := r.byTool[toolName]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	entry := r.servers[serverName]
	if err := r.ensureConnectedLocked(ctx, entry); err != nil {
		r.recordFailureLocked(entry)
		r.mu.Unlock()
		return "", fmt.Errorf("connect %s: %w", serverName, err)
	}
	call := entry.caller
	r.mu.Unlock()

	if args == nil {
		args = map[string]interface{}{}
	}
	raw, err := call.Call(ctx, "tools/call", map[string]interface{}{
		"name":      toolName,
		"arguments": args,
	})

	r.mu.Lock()
	if err != nil {
		r.recordFailureLocked(entry)
	} else {
		entry.failures = 0
		entry.healthy = true
	}
	r.mu.Unlock()

	if err != nil {
		return "", err
	}
	return decodeToolResult(raw)
}

// Close shuts down every server connection.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.servers {
		if entry.caller != nil {
			entry.caller.Close()
			entry.caller = nil
			entry.initialized = false
		}
	}
	return nil
}

// loadServerLocked connects a server and fetches its catalog. Caller holds
// the write lock.
func (r *Registry) loadServerLocked(ctx context.Context, entry *serverEntry) error {
	if err := r.ensureConnectedLocked(ctx, entry); err != nil {
		entry.healthy = false
		return err
	}

	raw, err := entry.caller.Call(ctx, "tools/list", nil)
	if err != nil {
		entry.healthy = false
		return err
	}

	var list toolListResult
	if err := json.Unmarshal(raw, &list); err != nil {
		entry.healthy = false
		return fmt.Errorf("parse tool catalog: %w", err)
	}

	tools := make([]llm.ToolDescriptor, 0, len(list.Tools))
	for _, t := range list.Tools {
		if t.Name == "" {
			continue
		}
		tools = append(tools, llm.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
		})
	}
	entry.tools = tools
	entry.healthy = true
	entry.failures = 0

	r.logger.Info().
		Str("server", entry.config.Name).
		Int("tools", len(tools)).
		Msg("Tool server catalog loaded")
	return nil
}

// ensureConnectedLocked opens the wire handle and performs the initialize
// handshake once per connection. Caller holds the write lock.
func (r *Registry) ensureConnectedLocked(ctx context.Context, entry *serverEntry) error {
	if entry.caller == nil {
		switch entry.config.Transport {
		case TransportHTTP:
			entry.caller = newHTTPCaller(entry.config.URL, entry.config.CallTimeout)
		case TransportStdio, "":
			entry.caller = rpc.New(rpc.Config{
				Command:      entry.config.Command,
				Args:         entry.config.Args,
				Env:          entry.config.Env,
				StartTimeout: entry.config.StartTimeout,
				CallTimeout:  entry.config.CallTimeout,
			}, r.logger)
		default:
			return fmt.Errorf("unknown transport: %s", entry.config.Transport)
		}
	}

	if !entry.initialized {
		_, err := entry.caller.Call(ctx, "initialize", map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{},
			"clientInfo":      clientInfo,
		})
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		entry.initialized = true
	}
	return nil
}

// rebuildToolMapLocked recomputes the tool-name index in registration
// order, logging collisions. First registered wins. Caller holds the write
// lock.
func (r *Registry) rebuildToolMapLocked() {
	byTool := make(map[string]string)
	for _, name := range r.order {
		for _, tool := range r.servers[name].tools {
			if winner, taken := byTool[tool.Name]; taken {
				r.logger.Warn().
					Str("tool", tool.Name).
					Str("winner", winner).
					Str("loser", name).
					Msg("Tool name collision, first-registered server wins")
				continue
			}
			byTool[tool.Name] = name
		}
	}
	// Wholesale swap so readers never see a partial index.
	r.byTool = byTool
}

func (r *Registry) recordFailureLocked(entry *serverEntry) {
	entry.failures++
	if entry.failures >= unhealthyAfter && entry.healthy {
		entry.healthy = false
		r.logger.Warn().
			Str("server", entry.config.Name).
			Int("failures", entry.failures).
			Msg("Tool server marked unhealthy after repeated failures")
	}
}

// decodeToolResult flattens a tools/call result into text. Structured
// results without text content fall back to their raw JSON.
func decodeToolResult(raw json.RawMessage) (string, error) {
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err == nil && len(result.Content) > 0 {
		var parts []string
		for _, c := range result.Content {
			if c.Text != "" {
				parts = append(parts, c.Text)
			}
		}
		text := strings.Join(parts, "\n")
		if result.IsError {
			return "", fmt.Errorf("tool reported error: %s", text)
		}
		return text, nil
	}
	return string(raw), nil
}
