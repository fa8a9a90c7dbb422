package bub

import "strings"

// commandPrefix marks runtime commands in user input. Anything else is
// model input.
const commandPrefix = ","

// RouteResult tells the session what to do with one piece of input.
// Exactly one of EnterModel / ImmediateOutput / ExitRequested applies;
// ResetContext may ride along with ImmediateOutput.
type RouteResult struct {
	EnterModel      bool   // forward ModelPrompt to the model loop
	ModelPrompt     string // input text, command prefix stripped where applicable
	ImmediateOutput string // reply to send without touching the model
	ResetContext    bool   // truncate the session tape first
	ExitRequested   bool   // interactive mode only
	Command         string // introspection commands the session resolves: "tools", "tape"
}

// Route classifies one line of user input. Unknown commands get a help
// pointer instead of a model turn, so a typo never burns tokens.
func Route(input string) RouteResult {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, commandPrefix) {
		return RouteResult{EnterModel: true, ModelPrompt: input}
	}

	cmd, rest, _ := strings.Cut(strings.TrimPrefix(trimmed, commandPrefix), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "help", "":
		return RouteResult{ImmediateOutput: helpText}
	case "quit", "exit":
		return RouteResult{ExitRequested: true}
	case "reset":
		return RouteResult{ResetContext: true, ImmediateOutput: "context cleared"}
	case "tools", "tape":
		// Resolved by the session, which owns the registry and the store.
		return RouteResult{Command: cmd}
	case "ask":
		// Escape hatch: model input that happens to start with a comma.
		return RouteResult{EnterModel: true, ModelPrompt: rest}
	default:
		return RouteResult{ImmediateOutput: "unknown command ," + cmd + " (try ,help)"}
	}
}

const helpText = `commands:
  ,help          show this message
  ,tools         list registered tools
  ,tape          show the session tape id and length
  ,reset         clear the conversation context
  ,ask <text>    send text to the model verbatim
  ,quit          leave interactive mode`
