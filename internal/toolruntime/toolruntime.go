// Package toolruntime implements the uniform tool dispatcher (C3): a table
// of built-in tools plus, via mcpclient, externally-spawned tool servers,
// behind one interface the Agent Step Engine calls by name.
//
// Grounded on the teacher's internal/tool package (Tool interface shape,
// registry-by-name dispatch) generalized to spec's coarser
// read|write|exec|network permission model instead of the teacher's
// permission.Checker-in-the-tool design — permission is resolved by the
// policy engine before executeTool is ever called, so built-in tools here
// carry no permission-checking logic of their own.
package toolruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/blah-code/blah-code/internal/logging"
	"github.com/blah-code/blah-code/pkg/types"
)

// ErrPathEscape is returned when a tool's path input resolves outside cwd.
var ErrPathEscape = errors.New("toolruntime: path escapes working directory")

// ErrToolFailed names the external-tool failure class. ExecuteTool does not
// wrap errors in it: an external server's failure is returned as the
// registry reports it (mcpclient.ErrToolFailed).
var ErrToolFailed = errors.New("toolruntime: tool failed")

// ErrUnknownTool is returned by ExecuteTool/PermissionFor for an
// unregistered tool name.
var ErrUnknownTool = errors.New("toolruntime: unknown tool")

// Handler executes one built-in tool invocation. args has already been
// decoded from the model's JSON arguments object.
type Handler func(ctx context.Context, args map[string]any, cwd string) (map[string]any, error)

// builtin pairs a ToolSpec with its in-process handler.
type builtin struct {
	spec    types.ToolSpec
	handler Handler
	schema  *jsonschema.Schema // nil if the spec's schema failed to compile
}

// ExternalServer is the subset of mcpclient.Registry the runtime depends on,
// declared here to avoid toolruntime importing its own subpackage's
// concrete type where an interface suffices (keeps mcpclient swappable in
// tests).
type ExternalServer interface {
	ListToolSpecs() []types.ToolSpec
	Invoke(ctx context.Context, name string, args map[string]any) (map[string]any, error)
	Close() error
}

// Runtime implements the C3 Tool Runtime interface: listToolSpecs,
// permissionFor, executeTool, close.
type Runtime struct {
	mu       sync.RWMutex
	builtins map[string]builtin
	external ExternalServer // nil if no MCP servers configured
}

// New constructs a Runtime with the five built-in tools registered.
func New() *Runtime {
	rt := &Runtime{builtins: make(map[string]builtin)}
	rt.registerBuiltins()
	return rt
}

// SetExternal binds the registry of externally-spawned tool servers. It is
// set once, typically right after construction and before first use.
func (rt *Runtime) SetExternal(ext ExternalServer) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.external = ext
}

func (rt *Runtime) register(spec types.ToolSpec, handler Handler) {
	schema, err := compileSchema(spec.Name, spec.Schema)
	if err != nil {
		logging.Error().Err(err).Str("tool", spec.Name).Msg("failed to compile tool schema; argument validation disabled for this tool")
	}
	rt.builtins[spec.Name] = builtin{spec: spec, handler: handler, schema: schema}
}

// ListToolSpecs returns every built-in tool spec plus, if an external
// registry is bound, every mcp.<server>.<tool> spec it currently knows
// about.
func (rt *Runtime) ListToolSpecs() []types.ToolSpec {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	specs := make([]types.ToolSpec, 0, len(rt.builtins))
	for _, b := range rt.builtins {
		specs = append(specs, b.spec)
	}
	if rt.external != nil {
		specs = append(specs, rt.external.ListToolSpecs()...)
	}
	return specs
}

// PermissionFor returns the permission operation intrinsic to a tool name.
func (rt *Runtime) PermissionFor(name string) (types.PermissionOp, error) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if b, ok := rt.builtins[name]; ok {
		return b.spec.Permission, nil
	}
	if rt.external != nil {
		for _, spec := range rt.external.ListToolSpecs() {
			if spec.Name == name {
				return spec.Permission, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// ExecuteTool dispatches to a built-in handler or, for mcp.* names, to the
// external registry.
func (rt *Runtime) ExecuteTool(ctx context.Context, name string, args map[string]any, cwd string) (map[string]any, error) {
	rt.mu.RLock()
	b, isBuiltin := rt.builtins[name]
	ext := rt.external
	rt.mu.RUnlock()

	if args == nil {
		args = map[string]any{}
	}

	if isBuiltin {
		if err := validateArgs(b.schema, args); err != nil {
			return nil, err
		}
		return b.handler(ctx, args, cwd)
	}
	if ext != nil {
		return ext.Invoke(ctx, name, args)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Close terminates any external tool-server subprocesses. Idempotent.
func (rt *Runtime) Close() error {
	rt.mu.RLock()
	ext := rt.external
	rt.mu.RUnlock()
	if ext == nil {
		return nil
	}
	return ext.Close()
}

// decodeArgs is a small helper built-in handlers use to re-marshal the
// generic args map into a strongly typed input struct.
func decodeArgs(args map[string]any, dst any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("toolruntime: encode arguments: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("toolruntime: decode arguments: %w", err)
	}
	return nil
}
