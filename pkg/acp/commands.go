package acp

import (
	"strings"

	"github.com/harun/pilot/pkg/session"
)

// Command is a slash command advertised to the client.
type Command struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Input       *CommandInput `json:"input,omitempty"`
}

// CommandInput hints at the text expected after a command.
type CommandInput struct {
	Hint string `json:"hint"`
}

// Each command switches the session to the mode of the same name. Text after
// the command runs as the prompt.
var availableCommands = []Command{
	{
		Name:        session.ModePlan,
		Description: "Switch to plan mode",
		Input:       &CommandInput{Hint: "what to plan (optional)"},
	},
	{
		Name:        session.ModeDefault,
		Description: "Leave plan mode",
		Input:       &CommandInput{Hint: "next instruction (optional)"},
	},
}

// parseCommand splits "/name rest" when name is a known command.
func parseCommand(text string) (name, rest string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, tail, _ := strings.Cut(text[1:], " ")
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		tail = head[i+1:] + " " + tail
		head = head[:i]
	}
	for _, c := range availableCommands {
		if c.Name == head {
			return head, strings.TrimSpace(tail), true
		}
	}
	return "", "", false
}
