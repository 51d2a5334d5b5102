package toolruntime_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blah-code/blah-code/internal/toolruntime"
	"github.com/blah-code/blah-code/pkg/types"
)

func TestListToolSpecsIncludesAllBuiltins(t *testing.T) {
	rt := toolruntime.New()
	specs := rt.ListToolSpecs()

	names := make(map[string]types.ToolSpec, len(specs))
	for _, s := range specs {
		names[s.Name] = s
	}

	for _, want := range []string{"read_file", "write_file", "list_files", "grep", "exec"} {
		require.Contains(t, names, want)
	}
	assert.Equal(t, types.OpRead, names["read_file"].Permission)
	assert.Equal(t, types.OpWrite, names["write_file"].Permission)
	assert.Equal(t, types.OpRead, names["list_files"].Permission)
	assert.Equal(t, types.OpRead, names["grep"].Permission)
	assert.Equal(t, types.OpExec, names["exec"].Permission)
}

func TestPermissionForUnknownTool(t *testing.T) {
	rt := toolruntime.New()
	_, err := rt.PermissionFor("does_not_exist")
	assert.ErrorIs(t, err, toolruntime.ErrUnknownTool)
}

func TestExecuteToolRejectsArgsMissingRequiredField(t *testing.T) {
	rt := toolruntime.New()
	_, err := rt.ExecuteTool(context.Background(), "read_file", map[string]any{}, t.TempDir())
	assert.ErrorIs(t, err, toolruntime.ErrInvalidArguments)
}

func TestExecuteToolRejectsWrongArgType(t *testing.T) {
	rt := toolruntime.New()
	dir := t.TempDir()
	_, err := rt.ExecuteTool(context.Background(), "read_file", map[string]any{"path": 42}, dir)
	assert.ErrorIs(t, err, toolruntime.ErrInvalidArguments)
}

func TestReadWriteFileRoundTrip(t *testing.T) {
	rt := toolruntime.New()
	dir := t.TempDir()

	res, err := rt.ExecuteTool(context.Background(), "write_file", map[string]any{
		"path":    "notes/a.txt",
		"content": "hello world",
	}, dir)
	require.NoError(t, err)
	assert.Equal(t, "notes/a.txt", res["path"])
	assert.EqualValues(t, 11, res["bytes"])

	res, err = rt.ExecuteTool(context.Background(), "read_file", map[string]any{"path": "notes/a.txt"}, dir)
	require.NoError(t, err)
	assert.Equal(t, "hello world", res["content"])
}

func TestReadFileRejectsPathEscape(t *testing.T) {
	rt := toolruntime.New()
	dir := t.TempDir()

	_, err := rt.ExecuteTool(context.Background(), "read_file", map[string]any{"path": "../../etc/passwd"}, dir)
	assert.ErrorIs(t, err, toolruntime.ErrPathEscape)
}

func TestWriteFileRejectsPathEscapeWithoutIO(t *testing.T) {
	rt := toolruntime.New()
	dir := t.TempDir()
	outside := filepath.Join(filepath.Dir(dir), "should-not-exist.txt")
	os.Remove(outside)

	_, err := rt.ExecuteTool(context.Background(), "write_file", map[string]any{
		"path":    "../should-not-exist.txt",
		"content": "x",
	}, dir)
	assert.ErrorIs(t, err, toolruntime.ErrPathEscape)
	_, statErr := os.Stat(outside)
	assert.True(t, os.IsNotExist(statErr), "escape must be rejected before any I/O")
}

func TestListFilesDefaultsAndLimits(t *testing.T) {
	rt := toolruntime.New()
	dir := t.TempDir()
	for _, name := range []string{"a.go", "b.go", "sub/c.go"} {
		full := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}

	res, err := rt.ExecuteTool(context.Background(), "list_files", map[string]any{"pattern": "**/*.go"}, dir)
	require.NoError(t, err)
	files := res["files"].([]any)
	assert.Len(t, files, 3)
	assert.EqualValues(t, 3, res["total"])

	res, err = rt.ExecuteTool(context.Background(), "list_files", map[string]any{"pattern": "**/*.go", "limit": 1}, dir)
	require.NoError(t, err)
	files = res["files"].([]any)
	assert.Len(t, files, 1)
	assert.EqualValues(t, 3, res["total"])
}

func TestGrepFindsMatches(t *testing.T) {
	rt := toolruntime.New()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\nFOOBAR\nworld\n"), 0o644))

	res, err := rt.ExecuteTool(context.Background(), "grep", map[string]any{"pattern": "foobar"}, dir)
	require.NoError(t, err)
	matches := res["matches"].([]any)
	require.Len(t, matches, 1)
	m := matches[0].(map[string]any)
	assert.Equal(t, "a.txt", m["file"])
	assert.EqualValues(t, 2, m["line"])
}

func TestExecNeverErrorsOnNonZeroExit(t *testing.T) {
	rt := toolruntime.New()
	dir := t.TempDir()

	res, err := rt.ExecuteTool(context.Background(), "exec", map[string]any{"command": "exit 7"}, dir)
	require.NoError(t, err)
	assert.EqualValues(t, 7, res["exitCode"])
	assert.Equal(t, "exit 7", res["command"])
}

func TestExecCapturesStdoutStderr(t *testing.T) {
	rt := toolruntime.New()
	dir := t.TempDir()

	res, err := rt.ExecuteTool(context.Background(), "exec", map[string]any{"command": "echo out; echo err 1>&2"}, dir)
	require.NoError(t, err)
	assert.Contains(t, res["stdout"], "out")
	assert.Contains(t, res["stderr"], "err")
}
