// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

const execDefaultTimeout = 60 * time.Second

// deniedSubstrings are rejected outright regardless of shell structure
// (spec.md §4.4's shell-tool input rejection list).
var deniedSubstrings = []string{
	"$(", "`", ";", "&&", "||", ">", "<", "\n",
}

// deniedWords additionally require a word-boundary-free substring match,
// case-insensitive, since they are dangerous in any position in the command.
var deniedWords = []string{
	"sudo", "chmod", "chown", "ifs=", "pythonpath=",
}

// ExecTool runs a shell command after validating it against the denylist.
type ExecTool struct {
	workspace          string
	restrict           bool
	allowUnsafeCmds    bool
	timeout            time.Duration
}

func NewExecTool(workspace string, restrict bool) *ExecTool {
	return &ExecTool{workspace: workspace, restrict: restrict, timeout: execDefaultTimeout}
}

// AllowUnsafeCommands disables the denylist (spec.md §4.4's "unless an
// allow unsafe commands flag is set").
func (t *ExecTool) AllowUnsafeCommands(allow bool) {
	t.allowUnsafeCmds = allow
}

func (t *ExecTool) Name() string { return "run_command" }
func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace and return its combined stdout/stderr. Dangerous patterns (command substitution, chaining, redirection, privilege escalation) are rejected unless unsafe commands are explicitly allowed."
}
func (t *ExecTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{"type": "string", "description": "The shell command to run"},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	if !t.allowUnsafeCmds {
		if reason := validateCommand(command); reason != "" {
			return ErrorResult(fmt.Sprintf("Action Blocked: %s", reason))
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()

	if runCtx.Err() != nil {
		return ErrorResult(fmt.Sprintf("Error: command timed out after %s", t.timeout))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: command exited with error: %v\n%s", err, output))
	}
	return SilentResult(output)
}

// validateCommand rejects a command string matching the fixed denylist of
// substrings/words, then parses it with a POSIX shell tokenizer to catch
// the same hazards expressed through quoting or whitespace tricks a plain
// substring scan would miss. Returns a human-readable rejection reason, or
// "" if the command is allowed.
func validateCommand(command string) string {
	lower := strings.ToLower(command)

	for _, sub := range deniedSubstrings {
		if strings.Contains(command, sub) {
			return fmt.Sprintf("command contains disallowed sequence %q", sub)
		}
	}
	for _, word := range deniedWords {
		if strings.Contains(lower, word) {
			return fmt.Sprintf("command contains disallowed token %q", word)
		}
	}

	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		// Unparseable shell syntax is itself suspicious enough to reject
		// rather than risk passing it to sh -c unvalidated.
		return "command is not valid POSIX shell syntax"
	}

	var reason string
	syntax.Walk(file, func(node syntax.Node) bool {
		if reason != "" {
			return false
		}
		switch n := node.(type) {
		case *syntax.CmdSubst:
			reason = "command substitution is not allowed"
		case *syntax.BinaryCmd:
			if n.Op == syntax.AndStmt || n.Op == syntax.OrStmt || n.Op == syntax.Pipe {
				reason = "command chaining is not allowed"
			}
		case *syntax.Redirect:
			reason = "redirection is not allowed"
		}
		return reason == ""
	})
	return reason
}
