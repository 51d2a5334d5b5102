package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/blah-code/blah-code/pkg/types"
)

// ErrToolFailed is returned when a server responds to a tools/call with an
// explicit failure.
var ErrToolFailed = errors.New("mcpclient: tool failed")

// ServerConfig describes one configured external tool server (spec.md §6
// mcp config key).
type ServerConfig struct {
	Name    string
	Enabled bool
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// toolInfo is the server's self-description of one of its tools, as
// returned by tools/list.
type toolInfo struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema"`
	ReadOnlyHint bool           `json:"readOnlyHint"`
}

// server is one connected external tool server.
type server struct {
	name      string
	transport Transport
	tools     map[string]toolInfo // by original (un-prefixed) name
}

// Registry is the runtime's external-server side: one Transport per
// configured server, a merged table of composite-named tool specs, and
// invocation dispatch back to the owning server.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*server
}

// NewRegistry connects to every enabled server in configs. A server that
// fails to start or handshake is skipped with its error returned in the
// aggregate (non-fatal to the others); callers may choose to log and
// continue.
func NewRegistry(ctx context.Context, configs []ServerConfig, clientName, clientVersion string) (*Registry, error) {
	reg := &Registry{servers: make(map[string]*server)}

	var errs []error
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		srv, err := connect(ctx, cfg, clientName, clientVersion)
		if err != nil {
			errs = append(errs, fmt.Errorf("mcpclient: server %s: %w", cfg.Name, err))
			continue
		}
		reg.servers[cfg.Name] = srv
	}

	if len(errs) > 0 {
		return reg, errors.Join(errs...)
	}
	return reg, nil
}

func connect(ctx context.Context, cfg ServerConfig, clientName, clientVersion string) (*server, error) {
	command := append([]string{cfg.Command}, cfg.Args...)
	transport, err := NewStdioTransport(ctx, command, cfg.Env, cfg.Cwd)
	if err != nil {
		return nil, err
	}

	if _, err := transport.Send(ctx, "initialize", map[string]any{
		"client": map[string]any{"name": clientName, "version": clientVersion},
	}); err != nil {
		transport.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	raw, err := transport.Send(ctx, "tools/list", map[string]any{})
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var listing struct {
		Tools []toolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		transport.Close()
		return nil, fmt.Errorf("tools/list: decode: %w", err)
	}

	tools := make(map[string]toolInfo, len(listing.Tools))
	for _, ti := range listing.Tools {
		tools[ti.Name] = ti
	}

	return &server{name: cfg.Name, transport: transport, tools: tools}, nil
}

// compositeName returns the runtime-visible name for a server's tool, per
// spec.md §4.3: mcp.<server>.<tool>.
func compositeName(serverName, toolName string) string {
	return "mcp." + serverName + "." + toolName
}

// splitComposite reverses compositeName, returning ok=false if name is not
// of the mcp.<server>.<tool> shape.
func splitComposite(name string) (serverName, toolName string, ok bool) {
	if !strings.HasPrefix(name, "mcp.") {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, "mcp.")
	idx := strings.Index(rest, ".")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// ListToolSpecs returns every tool every connected server currently
// advertises, under its composite name.
func (r *Registry) ListToolSpecs() []types.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var specs []types.ToolSpec
	for _, srv := range r.servers {
		for _, ti := range srv.tools {
			op := types.OpExec
			if ti.ReadOnlyHint {
				op = types.OpRead
			}
			specs = append(specs, types.ToolSpec{
				Name:        compositeName(srv.name, ti.Name),
				Description: ti.Description,
				Schema:      ti.InputSchema,
				Permission:  op,
			})
		}
	}
	return specs
}

// Invoke dispatches a composite-named tool call to its owning server.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	serverName, toolName, ok := splitComposite(name)
	if !ok {
		return nil, fmt.Errorf("mcpclient: %q is not a composite mcp tool name", name)
	}

	r.mu.RLock()
	srv, ok := r.servers[serverName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcpclient: unknown server %q", serverName)
	}

	if args == nil {
		args = map[string]any{}
	}

	raw, err := srv.transport.Send(ctx, "tools/call", map[string]any{
		"name":      toolName,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrToolFailed, serverName, toolName, err)
	}

	return decodeCallResult(raw)
}

// decodeCallResult applies spec.md §4.3's response-shape priority:
// structuredContent, else concatenated textual content items (JSON
// fallback for non-text items), else {output: <stringified response>}.
func decodeCallResult(raw json.RawMessage) (map[string]any, error) {
	var envelope struct {
		IsError           bool           `json:"isError"`
		StructuredContent map[string]any `json:"structuredContent"`
		Content           []contentItem  `json:"content"`
		ErrorMessage      string         `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return map[string]any{"output": string(raw)}, nil
	}

	if envelope.IsError {
		msg := envelope.ErrorMessage
		if msg == "" {
			msg = "tool reported an error"
		}
		return nil, fmt.Errorf("%w: %s", ErrToolFailed, msg)
	}

	if envelope.StructuredContent != nil {
		return envelope.StructuredContent, nil
	}

	if len(envelope.Content) > 0 {
		var sb strings.Builder
		for i, item := range envelope.Content {
			if i > 0 {
				sb.WriteString("\n")
			}
			if item.Type == "text" {
				sb.WriteString(item.Text)
			} else {
				encoded, err := json.Marshal(item)
				if err != nil {
					return nil, fmt.Errorf("mcpclient: encode content item: %w", err)
				}
				sb.Write(encoded)
			}
		}
		return map[string]any{"output": sb.String()}, nil
	}

	return map[string]any{"output": string(raw)}, nil
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Close terminates every connected server's subprocess concurrently,
// suppressing individual errors, and clears the binding table. Idempotent.
func (r *Registry) Close() error {
	r.mu.Lock()
	servers := r.servers
	r.servers = make(map[string]*server)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *server) {
			defer wg.Done()
			_ = s.transport.Close()
		}(srv)
	}
	wg.Wait()
	return nil
}
