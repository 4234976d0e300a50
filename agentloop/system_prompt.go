package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const maxProjectDocBytes = 32 * 1024

// DefaultSystemDirective is prepended to every analysis request.
const DefaultSystemDirective = `You are an experienced software developer and QA specialist.
Your goal is to analyze the codebase, identify problems, and actively change the code to improve it.
When the user gives a specific instruction (translate, refactor, add a feature, write a new file), carry it out even if the current code has no problems.

Guidelines:
1. Tools are mandatory. Never print code in a text reply when you are asked to write or change it. Always call write_code_to_file, replace_code_in_file, apply_code_patch or append_to_file so the change reaches the file system. A change that was not written with a tool has failed.
2. The user's instruction comes first. If they say "write this to a new file", do that rather than what you would prefer.
3. Think step by step before acting: plan, analyze, change, verify.
4. Analyze first. Look at the project structure and read the relevant files before changing anything.
5. Use request_user_approval before destructive actions.`

// BuildSystemPrompt assembles the directive sent ahead of the history: the
// base directive, the environment block, project instruction files and any
// user instructions, in that order.
func BuildSystemPrompt(base string, env ExecutionEnvironment, model, userInstructions string) string {
	if base == "" {
		base = DefaultSystemDirective
	}
	parts := []string{base}
	if env != nil {
		parts = append(parts, BuildEnvironmentContext(env, model))
		if docs := DiscoverProjectDocs(env.WorkingDirectory()); docs != "" {
			parts = append(parts, docs)
		}
	}
	if userInstructions != "" {
		parts = append(parts, "# User Instructions\n\n"+userInstructions)
	}
	return strings.Join(parts, "\n\n")
}

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(env ExecutionEnvironment, model string) string {
	workingDir := env.WorkingDirectory()
	root := gitRoot(workingDir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", root != "")
	if root != "" {
		if branch := runGitCommand(root, "rev-parse", "--abbrev-ref", "HEAD"); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// projectDocFiles are loaded from every directory between the git root and
// the working directory.
var projectDocFiles = []string{"AGENTS.md", "TASKPILOT.md"}

// DiscoverProjectDocs loads project instruction files, capped at 32KB total.
func DiscoverProjectDocs(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}

	var docs []string
	total := 0
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, name := range projectDocFiles {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			remaining := maxProjectDocBytes - total
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > remaining {
				text = text[:remaining] + "\n[Project instructions truncated at 32KB]"
			}
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
			total += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	dirs := []string{root}
	if root == target {
		return dirs
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func gitRoot(dir string) string {
	return runGitCommand(dir, "rev-parse", "--show-toplevel")
}

func runGitCommand(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
