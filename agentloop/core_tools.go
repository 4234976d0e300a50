package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"
)

// maxSearchMatches caps search_codebase results.
const maxSearchMatches = 50

type schemaProps map[string]interface{}

func objectSchema(props schemaProps, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}(props),
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func schemaProp(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

// CoreTools returns the built-in coding tools bound to env.
func CoreTools(env ExecutionEnvironment) []Tool {
	return []Tool{
		listProjectStructureTool(env),
		searchCodebaseTool(env),
		readFileTool(env),
		writeCodeToFileTool(env),
		applyCodePatchTool(env),
		replaceCodeInFileTool(env),
		appendToFileTool(env),
		runLinterTool(env),
		executeCommandTool(env),
		requestUserApprovalTool(),
	}
}

func listProjectStructureTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name: "list_project_structure",
			Description: "List the project's files and directories as a tree. " +
				"Use this first to see which files exist.",
			Parameters: objectSchema(schemaProps{
				"root_path": schemaProp("string", "Directory to list. Default: \".\"."),
				"max_depth": schemaProp("integer", "Maximum directory depth. Default: 3."),
				"pattern":   schemaProp("string", "Optional glob (e.g. \"**/*.go\") limiting which files are listed."),
			}),
		},
		Handler: func(_ context.Context, args map[string]interface{}) ToolResult {
			root, _ := GetStringArg(args, "root_path")
			depth, ok := GetIntArg(args, "max_depth")
			if !ok {
				depth = 3
			}
			pattern, _ := GetStringArg(args, "pattern")
			items, err := env.ListTree(root, depth, pattern)
			if err != nil {
				return ErrorResult("%v", err)
			}
			return Success(map[string]interface{}{"items": items})
		},
	}
}

func searchCodebaseTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "search_codebase",
			Description: "Search every file under root_path for a string or regular expression, like grep.",
			Parameters: objectSchema(schemaProps{
				"query":     schemaProp("string", "Text or pattern to search for."),
				"root_path": schemaProp("string", "Directory to search. Default: \".\"."),
			}, "query"),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) ToolResult {
			query, _ := GetStringArg(args, "query")
			if query == "" {
				return ErrorResult("query is required")
			}
			root, _ := GetStringArg(args, "root_path")
			matches, err := env.Search(ctx, query, root, maxSearchMatches)
			if err != nil {
				return ErrorResult("%v", err)
			}
			if len(matches) == 0 {
				return Success(map[string]interface{}{
					"matches": []SearchMatch{},
					"message": "no matches found",
				})
			}
			return Success(map[string]interface{}{"matches": matches, "count": len(matches)})
		},
	}
}

func readFileTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "read_file",
			Description: "Read the full content of a file.",
			Parameters: objectSchema(schemaProps{
				"file_path": schemaProp("string", "Path of the file to read."),
			}, "file_path"),
		},
		Handler: func(_ context.Context, args map[string]interface{}) ToolResult {
			path, _ := GetStringArg(args, "file_path")
			content, err := env.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				return ErrorResult("file not found: %s", path)
			}
			if err != nil {
				return ErrorResult("%v", err)
			}
			return Success(map[string]interface{}{"file_path": path, "content": content})
		},
	}
}

func writeCodeToFileTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "write_code_to_file",
			Description: "Write content to a file, creating it or overwriting it entirely. Parent directories are created.",
			Parameters: objectSchema(schemaProps{
				"file_path": schemaProp("string", "Path of the file to write."),
				"content":   schemaProp("string", "The full file content."),
			}, "file_path", "content"),
		},
		Mutating: true,
		Handler: func(_ context.Context, args map[string]interface{}) ToolResult {
			path, _ := GetStringArg(args, "file_path")
			content, _ := GetStringArg(args, "content")
			abs, err := env.WriteFile(path, content)
			if err != nil {
				return ErrorResult("%v", err)
			}
			return Success(map[string]interface{}{
				"file_path": abs,
				"message":   fmt.Sprintf("wrote %d bytes", len(content)),
			})
		},
	}
}

func applyCodePatchTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "apply_code_patch",
			Description: "Replace lines start_line through end_line (1-based, inclusive) of a file with new_code.",
			Parameters: objectSchema(schemaProps{
				"file_path":  schemaProp("string", "Path of the file to patch."),
				"start_line": schemaProp("integer", "First line to replace (1-based)."),
				"end_line":   schemaProp("integer", "Last line to replace (inclusive)."),
				"new_code":   schemaProp("string", "Replacement code."),
			}, "file_path", "start_line", "end_line", "new_code"),
		},
		Mutating: true,
		Handler: func(_ context.Context, args map[string]interface{}) ToolResult {
			path, _ := GetStringArg(args, "file_path")
			start, _ := GetIntArg(args, "start_line")
			end, _ := GetIntArg(args, "end_line")
			code, _ := GetStringArg(args, "new_code")

			content, err := env.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				return ErrorResult("file not found: %s", path)
			}
			if err != nil {
				return ErrorResult("%v", err)
			}
			patched, err := replaceLines(content, start, end, code)
			if err != nil {
				return ErrorResult("%v", err)
			}
			if _, err := env.WriteFile(path, patched); err != nil {
				return ErrorResult("%v", err)
			}
			return Success(map[string]interface{}{
				"message": fmt.Sprintf("replaced lines %d-%d", start, end),
			})
		},
	}
}

// replaceLines swaps lines [start, end] of content for code. The range is
// 1-based and inclusive and must lie within the file.
func replaceLines(content string, start, end int, code string) (string, error) {
	lines := strings.SplitAfter(content, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if start < 1 || end > len(lines) || start > end {
		return "", fmt.Errorf("invalid line range: %d-%d", start, end)
	}
	if !strings.HasSuffix(code, "\n") {
		code += "\n"
	}
	var sb strings.Builder
	for _, l := range lines[:start-1] {
		sb.WriteString(l)
	}
	sb.WriteString(code)
	for _, l := range lines[end:] {
		sb.WriteString(l)
	}
	return sb.String(), nil
}

func replaceCodeInFileTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name: "replace_code_in_file",
			Description: "Replace an exact string in a file. old_string must occur exactly once " +
				"unless replace_all is true.",
			Parameters: objectSchema(schemaProps{
				"file_path":   schemaProp("string", "Path of the file to edit."),
				"old_string":  schemaProp("string", "Exact text to find."),
				"new_string":  schemaProp("string", "Replacement text."),
				"replace_all": schemaProp("boolean", "Replace every occurrence. Default: false."),
			}, "file_path", "old_string", "new_string"),
		},
		Mutating: true,
		Handler: func(_ context.Context, args map[string]interface{}) ToolResult {
			path, _ := GetStringArg(args, "file_path")
			oldStr, _ := GetStringArg(args, "old_string")
			newStr, _ := GetStringArg(args, "new_string")
			all, _ := GetBoolArg(args, "replace_all")
			if oldStr == "" {
				return ErrorResult("old_string must not be empty")
			}

			content, err := env.ReadFile(path)
			if errors.Is(err, fs.ErrNotExist) {
				return ErrorResult("file not found: %s", path)
			}
			if err != nil {
				return ErrorResult("%v", err)
			}

			count := strings.Count(content, oldStr)
			switch {
			case count == 0:
				return ErrorResult("old_string not found in %s", path)
			case count > 1 && !all:
				return ErrorResult("old_string occurs %d times in %s; add context or set replace_all", count, path)
			}
			n := 1
			if all {
				n = -1
			}
			if _, err := env.WriteFile(path, strings.Replace(content, oldStr, newStr, n)); err != nil {
				return ErrorResult("%v", err)
			}
			replaced := 1
			if all {
				replaced = count
			}
			return Success(map[string]interface{}{
				"file_path":    path,
				"replacements": replaced,
			})
		},
	}
}

func appendToFileTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "append_to_file",
			Description: "Append content to the end of a file, creating it if it does not exist.",
			Parameters: objectSchema(schemaProps{
				"file_path": schemaProp("string", "Path of the file to append to."),
				"content":   schemaProp("string", "Text to append."),
			}, "file_path", "content"),
		},
		Mutating: true,
		Handler: func(_ context.Context, args map[string]interface{}) ToolResult {
			path, _ := GetStringArg(args, "file_path")
			content, _ := GetStringArg(args, "content")
			abs, err := env.AppendFile(path, content)
			if err != nil {
				return ErrorResult("%v", err)
			}
			return Success(map[string]interface{}{
				"file_path": abs,
				"message":   fmt.Sprintf("appended %d bytes", len(content)),
			})
		},
	}
}

// linters maps a file extension to the syntax check command for it.
var linters = map[string][]string{
	".py": {"python3", "-m", "py_compile"},
	".go": {"gofmt", "-e", "-l"},
	".js": {"node", "--check"},
}

func runLinterTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "run_linter",
			Description: "Check a source file for syntax errors (.py, .go, .js).",
			Parameters: objectSchema(schemaProps{
				"file_path": schemaProp("string", "Path of the file to check."),
			}, "file_path"),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) ToolResult {
			path, _ := GetStringArg(args, "file_path")
			if !env.FileExists(path) {
				return ErrorResult("file not found: %s", path)
			}
			linter, ok := linters[strings.ToLower(filepath.Ext(path))]
			if !ok {
				return ErrorResult("no syntax checker for %q files", filepath.Ext(path))
			}
			res, err := env.Exec(ctx, linter[0], append(linter[1:], path)...)
			if err != nil {
				return ErrorResult("%s: %v", linter[0], err)
			}
			if res.ExitCode != 0 {
				return Failed(map[string]interface{}{"errors": strings.TrimSpace(res.Stderr + res.Stdout)})
			}
			return Success(map[string]interface{}{"message": "syntax check passed"})
		},
	}
}

// commandDeadlineMargin is left between a command's own timeout and the
// deadline of the tool call so a timed-out command still reports its output.
const commandDeadlineMargin = 2 * time.Second

// commandTimeout caps requested at the time left on ctx, less
// commandDeadlineMargin. Deadlines too close to leave a margin are ignored.
func commandTimeout(ctx context.Context, requested time.Duration) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return requested
	}
	if left := time.Until(deadline) - commandDeadlineMargin; left > 0 && left < requested {
		return left
	}
	return requested
}

func executeCommandTool(env ExecutionEnvironment) Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "execute_command",
			Description: "Run a shell command in the project directory and return its output.",
			Parameters: objectSchema(schemaProps{
				"command":         schemaProp("string", "The command to run."),
				"timeout_seconds": schemaProp("integer", "Timeout in seconds. Default: 60. Capped just below the tool timeout."),
			}, "command"),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) ToolResult {
			command, _ := GetStringArg(args, "command")
			if strings.TrimSpace(command) == "" {
				return ErrorResult("command is required")
			}
			timeout := DefaultCommandTimeout
			if secs, ok := GetIntArg(args, "timeout_seconds"); ok && secs > 0 {
				timeout = time.Duration(secs) * time.Second
			}
			timeout = commandTimeout(ctx, timeout)
			res, err := env.ExecCommand(ctx, command, timeout)
			if err != nil {
				return ErrorResult("%v", err)
			}
			if res.TimedOut {
				return ToolResult{Status: StatusError, Payload: map[string]interface{}{
					"message": fmt.Sprintf("command timed out after %s", timeout),
					"stdout":  res.Stdout,
					"stderr":  res.Stderr,
				}}
			}
			payload := map[string]interface{}{
				"stdout":    res.Stdout,
				"stderr":    res.Stderr,
				"exit_code": res.ExitCode,
			}
			if res.ExitCode != 0 {
				return Failed(payload)
			}
			return Success(payload)
		},
	}
}

func requestUserApprovalTool() Tool {
	return Tool{
		Definition: ToolDefinition{
			Name:        "request_user_approval",
			Description: "Ask the user to approve a risky action (modifying or deleting files) before doing it.",
			Parameters: objectSchema(schemaProps{
				"action_description": schemaProp("string", "What you intend to do and why."),
			}, "action_description"),
		},
		Handler: func(_ context.Context, args map[string]interface{}) ToolResult {
			action, _ := GetStringArg(args, "action_description")
			return Success(map[string]interface{}{
				"approval_required": true,
				"action":            action,
			})
		},
	}
}
