package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PromptOptions feeds BuildSystemPrompt.
type PromptOptions struct {
	ToolNames          []string
	CWD                string
	CustomInstructions string
	PlanMode           bool
}

// BuildSystemPrompt assembles the default system prompt.
func BuildSystemPrompt(opts PromptOptions) string {
	sections := []string{
		"You are pilot, a command-line agent for software engineering tasks.\n\n" +
			"Available tools: " + strings.Join(opts.ToolNames, ", "),
		toneSection,
		efficiencySection,
		codeChangeSection,
		environmentSection(opts.CWD),
	}
	if opts.CustomInstructions != "" {
		sections = append(sections, "<custom_instructions>\n"+opts.CustomInstructions+"\n</custom_instructions>")
	}
	if opts.PlanMode {
		sections = append(sections, planModeSection)
	}
	return strings.Join(sections, "\n\n")
}

const toneSection = `<tone_and_style>
Be concise and direct. Keep explanations to a few sentences and tool-call
commentary to one. Stay within the current workspace; do not invent files or paths.
</tone_and_style>`

const efficiencySection = `<tool_efficiency>
Issue independent tool calls together in a single response: several file reads,
several searches, edits to different files. Only sequence calls that depend on
earlier results. Chain related shell commands with && and keep their output short.
</tool_efficiency>`

const codeChangeSection = `<code_change_rules>
* Make the smallest change that solves the task.
* Leave unrelated bugs and failing tests alone.
* Never delete working code or files unless the task requires it.
* Run the project's existing linters and tests before and after changing code.
* Track multi-step work with update_todo using "- [ ]" and "- [x]" items.
</code_change_rules>`

const planModeSection = `<plan_mode>
You are in PLAN MODE. Analyze the codebase and produce a structured plan instead
of implementing it:
1. Summarize the problem and the proposed approach.
2. List the work as a markdown checklist and record it with update_todo.
3. Note open questions or risks.
Do not modify files until the user asks you to implement the plan.
</plan_mode>`

func environmentSection(cwd string) string {
	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	lines := []string{
		"<environment_context>",
		"* Current working directory: " + cwd,
	}
	if root := findGitRoot(cwd); root != "" {
		lines = append(lines, "* Git repository root: "+root)
	}
	lines = append(lines, "* Operating System: "+runtime.GOOS, "</environment_context>")
	return strings.Join(lines, "\n")
}

func findGitRoot(start string) string {
	if start == "" {
		return ""
	}
	dir := filepath.Clean(start)
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
