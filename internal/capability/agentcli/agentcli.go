// Package agentcli runs a coding agent as a child process. The prompt is
// written to stdin, each stdout line becomes a progress item, and the exit
// status decides the outcome.
package agentcli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"mergeline/internal/capability"
)

const maxDetails = 2048

type Agent struct {
	Command string
	Args    []string
	Env     []string
}

func New(command string, args, env []string) *Agent {
	return &Agent{Command: command, Args: args, Env: env}
}

func (a *Agent) Invoke(ctx context.Context, prompt string, ac capability.AgentContext) (<-chan capability.Progress, error) {
	if strings.TrimSpace(a.Command) == "" {
		return nil, fmt.Errorf("agent: %w", capability.ErrNotConfigured)
	}
	cmd := exec.CommandContext(ctx, a.Command, a.Args...)
	if ac.Workspace != "" {
		cmd.Dir = ac.Workspace
	}
	cmd.Env = append(append(os.Environ(), a.Env...),
		"MERGELINE_SESSION_ID="+ac.SessionID,
		"MERGELINE_CORRELATION_ID="+ac.CorrelationID,
		"MERGELINE_ISSUE="+ac.IssueRef,
		"MERGELINE_BRANCH="+ac.Branch,
		"MERGELINE_ATTEMPT="+strconv.Itoa(ac.Attempt),
	)
	cmd.Stdin = strings.NewReader(prompt)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	stream := make(chan capability.Progress, 16)
	go func() {
		defer close(stream)
		var tail []string
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			tail = append(tail, line)
			if len(tail) > 20 {
				tail = tail[1:]
			}
			select {
			case stream <- capability.Progress{Kind: "output", Message: line}:
			case <-ctx.Done():
			}
		}
		waitErr := cmd.Wait()
		out := capability.Outcome{Success: waitErr == nil}
		if waitErr != nil {
			out.Details = details(waitErr, stderr.String(), tail)
		} else {
			out.Details = truncate(strings.Join(tail, "\n"))
		}
		// the consumer may be gone after cancellation; never block on it
		select {
		case stream <- capability.Progress{Kind: "exit", Outcome: &out}:
		default:
			if ctx.Err() == nil {
				stream <- capability.Progress{Kind: "exit", Outcome: &out}
			}
		}
	}()
	return stream, nil
}

func details(err error, stderr string, tail []string) string {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = strings.Join(tail, "\n")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return truncate(fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), msg))
	}
	return truncate(fmt.Sprintf("%v: %s", err, msg))
}

func truncate(s string) string {
	if len(s) <= maxDetails {
		return s
	}
	return s[len(s)-maxDetails:]
}
