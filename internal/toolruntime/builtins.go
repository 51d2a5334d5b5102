package toolruntime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/blah-code/blah-code/pkg/types"
)

const (
	defaultListLimit = 200
	maxListLimit     = 1000
	grepMaxFiles     = 300
	grepMaxMatches   = 200
	execDefaultMs    = 30000
	execMinMs        = 100
	execMaxMs        = 120000
	maxOutputBytes   = 64 * 1024
)

func (rt *Runtime) registerBuiltins() {
	rt.register(types.ToolSpec{
		Name:        "read_file",
		Description: "Read a UTF-8 text file within the working directory.",
		Permission:  types.OpRead,
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"path": map[string]any{"type": "string"}},
			"required":   []any{"path"},
		},
	}, rt.readFile)

	rt.register(types.ToolSpec{
		Name:        "write_file",
		Description: "Write a UTF-8 text file within the working directory, creating missing parent directories.",
		Permission:  types.OpWrite,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			},
			"required": []any{"path", "content"},
		},
	}, rt.writeFile)

	rt.register(types.ToolSpec{
		Name:        "list_files",
		Description: "List files within the working directory matching a glob pattern.",
		Permission:  types.OpRead,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
				"limit":   map[string]any{"type": "integer"},
			},
		},
	}, rt.listFiles)

	rt.register(types.ToolSpec{
		Name:        "grep",
		Description: "Search files within the working directory for a case-insensitive regular expression.",
		Permission:  types.OpRead,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"pattern": map[string]any{"type": "string"},
				"glob":    map[string]any{"type": "string"},
			},
			"required": []any{"pattern"},
		},
	}, rt.grep)

	rt.register(types.ToolSpec{
		Name:        "exec",
		Description: "Run a shell command within the working directory.",
		Permission:  types.OpExec,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command":   map[string]any{"type": "string"},
				"timeoutMs": map[string]any{"type": "integer"},
			},
			"required": []any{"command"},
		},
	}, rt.exec)
}

// resolveWithinCWD resolves path against cwd and rejects any result that
// escapes cwd, per ErrPathEscape (spec §4.3, §7, invariant 7).
func resolveWithinCWD(cwd, path string) (string, error) {
	base, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("toolruntime: resolve cwd: %w", err)
	}
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Clean(filepath.Join(base, path))
	}

	rel, err := filepath.Rel(base, full)
	if err != nil {
		return "", ErrPathEscape
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return full, nil
}

type readFileInput struct {
	Path string `json:"path"`
}

func (rt *Runtime) readFile(_ context.Context, args map[string]any, cwd string) (map[string]any, error) {
	var in readFileInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	full, err := resolveWithinCWD(cwd, in.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: read_file: %w", err)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("toolruntime: read_file: %s is not valid UTF-8", in.Path)
	}

	return map[string]any{"path": in.Path, "content": string(data)}, nil
}

type writeFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (rt *Runtime) writeFile(_ context.Context, args map[string]any, cwd string) (map[string]any, error) {
	var in writeFileInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	full, err := resolveWithinCWD(cwd, in.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("toolruntime: write_file: mkdir: %w", err)
	}
	if err := os.WriteFile(full, []byte(in.Content), 0o644); err != nil {
		return nil, fmt.Errorf("toolruntime: write_file: %w", err)
	}

	return map[string]any{"path": in.Path, "bytes": len(in.Content)}, nil
}

type listFilesInput struct {
	Pattern string `json:"pattern"`
	Limit   int    `json:"limit"`
}

func (rt *Runtime) listFiles(_ context.Context, args map[string]any, cwd string) (map[string]any, error) {
	var in listFilesInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Pattern == "" {
		in.Pattern = "**/*"
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	base, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: list_files: %w", err)
	}

	fsys := os.DirFS(base)
	matches, err := doublestar.Glob(fsys, in.Pattern)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: list_files: invalid pattern: %w", err)
	}

	seen := make(map[string]struct{}, len(matches))
	var files []string
	for _, m := range matches {
		info, err := os.Stat(filepath.Join(base, m))
		if err != nil || info.IsDir() {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		files = append(files, m)
	}
	sort.Strings(files)

	total := len(files)
	if len(files) > limit {
		files = files[:limit]
	}

	out := make([]any, len(files))
	for i, f := range files {
		out[i] = f
	}
	return map[string]any{"files": out, "total": total}, nil
}

type grepInput struct {
	Pattern string `json:"pattern"`
	Glob    string `json:"glob"`
}

func (rt *Runtime) grep(_ context.Context, args map[string]any, cwd string) (map[string]any, error) {
	var in grepInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Glob == "" {
		in.Glob = "**/*"
	}

	re, err := regexp.Compile("(?i)" + in.Pattern)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: grep: invalid pattern: %w", err)
	}

	base, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: grep: %w", err)
	}

	fsys := os.DirFS(base)
	candidates, err := doublestar.Glob(fsys, in.Glob)
	if err != nil {
		return nil, fmt.Errorf("toolruntime: grep: invalid glob: %w", err)
	}
	sort.Strings(candidates)

	type match struct {
		File string `json:"file"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []match

	scanned := 0
	for _, rel := range candidates {
		if scanned >= grepMaxFiles || len(matches) >= grepMaxMatches {
			break
		}
		full := filepath.Join(base, rel)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil || !utf8.Valid(data) {
			continue
		}
		scanned++

		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			if re.MatchString(line) {
				matches = append(matches, match{File: rel, Line: i + 1, Text: line})
				if len(matches) >= grepMaxMatches {
					break
				}
			}
		}
	}

	out := make([]any, len(matches))
	for i, m := range matches {
		out[i] = map[string]any{"file": m.File, "line": m.Line, "text": m.Text}
	}
	return map[string]any{"matches": out}, nil
}

type execInput struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs"`
}

// exec runs a command via the shell in cwd, grounded on the teacher's
// bash.go (Setpgid on the child, output truncation) with stdout and stderr
// captured separately, but stripped of the teacher's own permission checking, since
// that decision is made by the policy engine before this is ever called.
func (rt *Runtime) exec(ctx context.Context, args map[string]any, cwd string) (map[string]any, error) {
	var in execInput
	if err := decodeArgs(args, &in); err != nil {
		return nil, err
	}

	timeoutMs := in.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = execDefaultMs
	}
	if timeoutMs < execMinMs {
		timeoutMs = execMinMs
	}
	if timeoutMs > execMaxMs {
		timeoutMs = execMaxMs
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	shell, shellFlag := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, shellFlag = "cmd.exe", "/c"
	}

	cmd := exec.CommandContext(cmdCtx, shell, shellFlag, in.Command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	stdout, stderr := &strings.Builder{}, &strings.Builder{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if runErr != nil {
		exitCode = -1
	}

	return map[string]any{
		"command":  in.Command,
		"exitCode": exitCode,
		"stdout":   truncate(stdout.String(), maxOutputBytes),
		"stderr":   truncate(stderr.String(), maxOutputBytes),
	}, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n\n(output truncated)"
}
