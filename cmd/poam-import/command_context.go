package main

import (
	"sync"

	"github.com/spf13/cobra"
)

// commandExecutionContext records which command is running so the fatal error path can
// log in the same shape as the command did.
type commandExecutionContext struct {
	CommandPath       string
	UsesStructuredLog bool
}

var (
	commandContextMu sync.RWMutex
	commandContext   commandExecutionContext
)

func setCommandExecutionContext(ctx commandExecutionContext) {
	commandContextMu.Lock()
	defer commandContextMu.Unlock()
	commandContext = ctx
}

func resetCommandExecutionContext() {
	setCommandExecutionContext(commandExecutionContext{})
}

func currentCommandExecutionContext() commandExecutionContext {
	commandContextMu.RLock()
	defer commandContextMu.RUnlock()
	return commandContext
}

// Commands that print JSON to stdout keep plain stderr output.
var plainOutputCommands = map[string]struct{}{
	"poam-import runs show":     {},
	"poam-import runs list":     {},
	"poam-import poams list":    {},
	"poam-import poams summary": {},
}

func commandUsesStructuredLogging(cmd *cobra.Command) bool {
	if cmd == nil || !cmd.HasParent() || !cmd.Runnable() {
		return false
	}
	_, plain := plainOutputCommands[cmd.CommandPath()]
	return !plain
}
