package events

// Kind classifies a tool for front-end display.
type Kind string

const (
	KindRead       Kind = "read"
	KindEdit       Kind = "edit"
	KindDelete     Kind = "delete"
	KindMove       Kind = "move"
	KindSearch     Kind = "search"
	KindExecute    Kind = "execute"
	KindThink      Kind = "think"
	KindFetch      Kind = "fetch"
	KindSwitchMode Kind = "switch_mode"
	KindOther      Kind = "other"
)

var toolKinds = map[string]Kind{
	"view":                         KindRead,
	"read_file":                    KindRead,
	"grep":                         KindSearch,
	"glob":                         KindSearch,
	"git_status":                   KindRead,
	"git_diff":                     KindRead,
	"get_changed_files":            KindRead,
	"list_bash":                    KindRead,
	"list_memories":                KindRead,
	"list_code_usages":             KindSearch,
	"workspace_summary":            KindRead,
	"mcp_list_servers":             KindRead,
	"mcp_list_tools":               KindRead,
	"edit":                         KindEdit,
	"create":                       KindEdit,
	"replace_string_in_file":       KindEdit,
	"multi_replace_string_in_file": KindEdit,
	"apply_patch":                  KindEdit,
	"mkdir":                        KindEdit,
	"bash":                         KindExecute,
	"read_bash":                    KindExecute,
	"write_bash":                   KindExecute,
	"stop_bash":                    KindExecute,
	"run_js":                       KindExecute,
	"git_commit":                   KindExecute,
	"git_stash":                    KindExecute,
	"install_python_packages":      KindExecute,
	"configure_python_environment": KindExecute,
	"mcp_call":                     KindExecute,
	"web_fetch":                    KindFetch,
	"web_search":                   KindFetch,
	"report_intent":                KindThink,
	"update_todo":                  KindThink,
	"store_memory":                 KindThink,
	"load_skill":                   KindRead,
	"discover_skills":              KindSearch,
	"suggest_skills":               KindSearch,
	"ask_user":                     KindOther,
}

// dangerous tools mutate the workspace or execute code and may need approval.
var dangerous = map[string]struct{}{
	"bash":                         {},
	"write_bash":                   {},
	"edit":                         {},
	"create":                       {},
	"replace_string_in_file":       {},
	"multi_replace_string_in_file": {},
	"apply_patch":                  {},
	"git_commit":                   {},
	"install_python_packages":      {},
	"run_js":                       {},
}

// ToolKind maps a tool name to its display kind.
func ToolKind(toolName string) Kind {
	if kind, ok := toolKinds[toolName]; ok {
		return kind
	}
	return KindOther
}

// IsDangerous reports whether a tool requires permission before execution.
func IsDangerous(toolName string) bool {
	_, ok := dangerous[toolName]
	return ok
}
