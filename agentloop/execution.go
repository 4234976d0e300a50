package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultCommandTimeout applies to execute_command when the model gives none.
const DefaultCommandTimeout = 60 * time.Second

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// TreeEntry is one item of a project listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"` // "directory" or "file"
	Name string `json:"name"`
}

// SearchMatch is one line returned by a codebase search.
type SearchMatch struct {
	File    string `json:"file"`
	Line    string `json:"line"`
	Content string `json:"content"`
}

// ExecutionEnvironment abstracts where tool operations run.
type ExecutionEnvironment interface {
	ReadFile(path string) (string, error)
	WriteFile(path, content string) (string, error)
	AppendFile(path, content string) (string, error)
	FileExists(path string) bool
	ListTree(root string, maxDepth int, pattern string) ([]TreeEntry, error)

	ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)
	Exec(ctx context.Context, name string, args ...string) (*ExecResult, error)
	Search(ctx context.Context, query, root string, maxResults int) ([]SearchMatch, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// skippedDirs are never descended into by ListTree.
var skippedDirs = map[string]bool{
	".git":          true,
	".venv":         true,
	"__pycache__":   true,
	"node_modules":  true,
	".DS_Store":     true,
	".pytest_cache": true,
}

var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"GOPATH": true, "GOROOT": true, "VIRTUAL_ENV": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}

// filterEnvironment drops credentials from the environment handed to
// commands the model runs.
func filterEnvironment() []string {
	var filtered []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if safeEnvVars[name] || !isSensitiveEnvVar(name) {
			filtered = append(filtered, kv)
		}
	}
	return filtered
}

// LocalExecutionEnvironment runs tools on the local machine.
type LocalExecutionEnvironment struct {
	workingDir string
	platform   string
	osVersion  string
}

var _ ExecutionEnvironment = (*LocalExecutionEnvironment)(nil)

// NewLocalExecutionEnvironment creates a local execution environment rooted
// at workingDir, or the process working directory when empty.
func NewLocalExecutionEnvironment(workingDir string) *LocalExecutionEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalExecutionEnvironment{
		workingDir: workingDir,
		platform:   runtime.GOOS,
		osVersion:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string { return e.workingDir }
func (e *LocalExecutionEnvironment) Platform() string         { return e.platform }
func (e *LocalExecutionEnvironment) OSVersion() string        { return e.osVersion }

func (e *LocalExecutionEnvironment) resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(e.workingDir, path)
}

func (e *LocalExecutionEnvironment) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(e.resolvePath(path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteFile creates or overwrites path, creating parent directories. It
// returns the absolute path written.
func (e *LocalExecutionEnvironment) WriteFile(path, content string) (string, error) {
	resolved := e.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return "", err
	}
	return resolved, nil
}

// AppendFile appends content to path, creating it if needed.
func (e *LocalExecutionEnvironment) AppendFile(path, content string) (string, error) {
	resolved := e.resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", err
	}
	return resolved, f.Close()
}

func (e *LocalExecutionEnvironment) FileExists(path string) bool {
	_, err := os.Stat(e.resolvePath(path))
	return err == nil
}

// ListTree walks root down to maxDepth levels. Directories at maxDepth are
// listed but their files are not. A non-empty doublestar pattern keeps only
// files whose relative path matches it.
func (e *LocalExecutionEnvironment) ListTree(root string, maxDepth int, pattern string) ([]TreeEntry, error) {
	if root == "" {
		root = "."
	}
	if pattern != "" && !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	absRoot := e.resolvePath(root)
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var items []TreeEntry
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == absRoot {
				return err
			}
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(absRoot, path)
		level := 0
		if rel != "." {
			level = strings.Count(rel, string(filepath.Separator)) + 1
		}

		if d.IsDir() {
			if path != absRoot && skippedDirs[d.Name()] {
				return fs.SkipDir
			}
			if level > maxDepth {
				return fs.SkipDir
			}
			items = append(items, TreeEntry{Path: rel, Type: "directory", Name: d.Name()})
			return nil
		}

		// Files belong to their parent directory's level.
		if level-1 >= maxDepth || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if pattern != "" {
			ok, _ := doublestar.PathMatch(pattern, rel)
			if !ok {
				return nil
			}
		}
		items = append(items, TreeEntry{Path: rel, Type: "file", Name: d.Name()})
		return nil
	})
	return items, err
}

// ExecCommand runs command through the shell. A zero timeout means
// DefaultCommandTimeout. Timing out is reported in the result, not as an
// error.
func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell, shellArg := "/bin/bash", "-c"
	if runtime.GOOS == "windows" {
		shell, shellArg = "cmd.exe", "/c"
	}
	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	setProcessGroup(cmd)
	// Children of the shell keep the output pipes open; kill them all.
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = time.Second
	return e.run(ctx, cmd)
}

// Exec runs a program directly, without a shell.
func (e *LocalExecutionEnvironment) Exec(ctx context.Context, name string, args ...string) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return e.run(ctx, cmd)
}

func (e *LocalExecutionEnvironment) run(ctx context.Context, cmd *exec.Cmd) (*ExecResult, error) {
	cmd.Dir = e.workingDir
	cmd.Env = filterEnvironment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err == nil {
		return result, nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		killProcessGroup(cmd)
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	return nil, err
}

// Search finds query in files under root, preferring ripgrep and falling
// back to grep. At most maxResults matches are returned.
func (e *LocalExecutionEnvironment) Search(ctx context.Context, query, root string, maxResults int) ([]SearchMatch, error) {
	if root == "" {
		root = "."
	}
	path := e.resolvePath(root)

	var res *ExecResult
	var err error
	if rg, lookErr := exec.LookPath("rg"); lookErr == nil {
		res, err = e.Exec(ctx, rg, "--line-number", "--no-heading", "--with-filename",
			"--glob", "!.git", "--glob", "!.venv", "--", query, path)
	} else {
		res, err = e.Exec(ctx, "grep", "-rnI", "--exclude-dir=.git", "--exclude-dir=.venv", "--", query, path)
	}
	if err != nil {
		return nil, err
	}
	// Exit status 1 means no matches for both tools.
	if res.ExitCode > 1 {
		return nil, fmt.Errorf("search failed: %s", strings.TrimSpace(res.Stderr))
	}
	return parseSearchOutput(res.Stdout, e.workingDir, maxResults), nil
}

// parseSearchOutput splits file:line:content lines.
func parseSearchOutput(out, base string, maxResults int) []SearchMatch {
	var matches []SearchMatch
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if maxResults > 0 && len(matches) >= maxResults {
			break
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 3 {
			continue
		}
		if _, err := strconv.Atoi(parts[1]); err != nil {
			continue
		}
		file := parts[0]
		if rel, err := filepath.Rel(base, file); err == nil && !strings.HasPrefix(rel, "..") {
			file = rel
		}
		matches = append(matches, SearchMatch{File: file, Line: parts[1], Content: strings.TrimSpace(parts[2])})
	}
	return matches
}

func setProcessGroup(cmd *exec.Cmd) {
	if runtime.GOOS != "windows" {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil && runtime.GOOS != "windows" {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
