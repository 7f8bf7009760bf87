package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/gaiin-platform/amplify-gateway/internal/domain"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
)

// ToolPrefix marks tool names dispatched to MCP servers.
const ToolPrefix = "mcp_"

// client abstracts the MCP client for testability.
type client interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ServerRegistry yields the MCP servers registered for a user.
type ServerRegistry interface {
	ServersFor(ctx context.Context, userID string) ([]config.MCPServer, error)
}

// StaticRegistry serves a fixed server list to every user.
type StaticRegistry []config.MCPServer

// ServersFor implements ServerRegistry.
func (r StaticRegistry) ServersFor(_ context.Context, _ string) ([]config.MCPServer, error) {
	return r, nil
}

// Manager owns MCP connections. Active clients are cached per
// (user, server); handshakes are single-flight so concurrent requests to the
// same server share one connection attempt. Discovery records each tool's
// original (server, name) pair under its exposed name, so dispatch never has
// to parse the sanitized name back.
type Manager struct {
	registry ServerRegistry
	cfg      config.MCPConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]client
	tools   map[string]toolRef // key: userID|exposedName

	flight singleflight.Group

	// connect is swappable for tests.
	connect func(ctx context.Context, srv config.MCPServer) (client, error)
}

// toolRef is the original identity of a discovered tool.
type toolRef struct {
	server   config.MCPServer
	toolName string
}

// NewManager creates an MCP manager.
func NewManager(registry ServerRegistry, cfg config.MCPConfig, logger *slog.Logger) *Manager {
	m := &Manager{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		clients:  make(map[string]client),
		tools:    make(map[string]toolRef),
	}
	m.connect = m.dial
	return m
}

func (m *Manager) dial(ctx context.Context, srv config.MCPServer) (client, error) {
	t, err := transport.NewStreamableHTTP(srv.URL)
	if err != nil {
		return nil, fmt.Errorf("create http transport: %w", err)
	}
	c := mcpclient.NewClient(t)
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "amplify-gateway",
		Version: "1.0.0",
	}
	initCtx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()
	if _, err := c.Initialize(initCtx, initReq); err != nil {
		c.Close()
		return nil, domain.WrapOp("initialize", err)
	}

	m.logger.Info("mcp server connected", "name", srv.Name, "url", srv.URL)
	return c, nil
}

func connKey(userID, server string) string { return userID + "|" + server }

// clientFor returns an active connection, dialing one (single-flight) when
// none is cached.
func (m *Manager) clientFor(ctx context.Context, userID string, srv config.MCPServer) (client, error) {
	key := connKey(userID, srv.Name)

	m.mu.RLock()
	c, ok := m.clients[key]
	m.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		m.mu.RLock()
		c, ok := m.clients[key]
		m.mu.RUnlock()
		if ok {
			return c, nil
		}
		c, dialErr := m.connect(ctx, srv)
		if dialErr != nil {
			return nil, dialErr
		}
		m.mu.Lock()
		m.clients[key] = c
		m.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(client), nil
}

// Tools lists the tool schemas available to a user across their registered
// servers, each prefixed with "mcp_<server>_". A server that fails discovery
// is skipped.
func (m *Manager) Tools(ctx context.Context, userID string) []domain.ToolSchema {
	servers, err := m.registry.ServersFor(ctx, userID)
	if err != nil {
		m.logger.Warn("mcp server registry lookup failed", "user", userID, "error", err)
		return nil
	}

	var schemas []domain.ToolSchema
	for _, srv := range servers {
		c, err := m.clientFor(ctx, userID, srv)
		if err != nil {
			m.logger.Warn("mcp server unavailable, skipping", "server", srv.Name, "error", err)
			continue
		}
		result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			m.logger.Warn("mcp tool discovery failed, skipping", "server", srv.Name, "error", err)
			m.evict(userID, srv.Name)
			continue
		}
		for _, t := range result.Tools {
			params, _ := json.Marshal(t.InputSchema)
			exposed := FullName(srv.Name, t.Name)
			m.mu.Lock()
			m.tools[toolKey(userID, exposed)] = toolRef{server: srv, toolName: t.Name}
			m.mu.Unlock()
			schemas = append(schemas, domain.ToolSchema{
				Name:        exposed,
				Description: t.Description,
				Parameters:  params,
			})
		}
	}
	return schemas
}

// Call invokes a prefixed MCP tool for the user and returns its textual
// content. The tool is resolved through the discovery map, so the server
// receives its original name, untouched by sanitization.
func (m *Manager) Call(ctx context.Context, userID, fullName string, args json.RawMessage) (string, error) {
	ref, ok := m.lookupTool(userID, fullName)
	if !ok {
		// Not discovered in this process yet (e.g. the conversation was
		// replayed); refresh discovery once before giving up.
		m.Tools(ctx, userID)
		if ref, ok = m.lookupTool(userID, fullName); !ok {
			return "", fmt.Errorf("%w: mcp tool %q", domain.ErrNotFound, fullName)
		}
	}

	c, err := m.clientFor(ctx, userID, ref.server)
	if err != nil {
		return "", fmt.Errorf("%w: connect %s: %s", domain.ErrToolFailure, ref.server.Name, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = ref.toolName
	var parsed map[string]any
	if len(args) > 0 {
		json.Unmarshal(args, &parsed)
	}
	req.Params.Arguments = parsed

	result, err := c.CallTool(callCtx, req)
	if err != nil {
		m.evict(userID, ref.server.Name)
		return "", fmt.Errorf("%w: %s: %s", domain.ErrToolFailure, fullName, err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("%w: %s: %s", domain.ErrToolFailure, fullName, sb.String())
	}
	return sb.String(), nil
}

func (m *Manager) evict(userID, server string) {
	key := connKey(userID, server)
	m.mu.Lock()
	if c, ok := m.clients[key]; ok {
		c.Close()
		delete(m.clients, key)
	}
	m.mu.Unlock()
}

// Close shuts down every active connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("mcp client close error", "key", key, "error", err)
		}
		delete(m.clients, key)
	}
}

// FullName builds the prefixed tool name exposed to the model. It is a
// one-way mapping: the original (server, tool) pair is kept in the discovery
// map, never recovered from the exposed name.
func FullName(server, tool string) string {
	return ToolPrefix + sanitize(server) + "_" + sanitize(tool)
}

func toolKey(userID, exposedName string) string { return userID + "|" + exposedName }

func (m *Manager) lookupTool(userID, exposedName string) (toolRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.tools[toolKey(userID, exposedName)]
	return ref, ok
}

// sanitize restricts a name to the character set every provider accepts for
// function names (Gemini requires [a-zA-Z0-9_]). Underscores pass through.
func sanitize(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}
