// Package capability declares the external collaborators the orchestrator
// drives: a coding agent, source control and a code host. Calls are made
// from saga steps, each wrapped by a circuit breaker.
package capability

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotConfigured is returned by capabilities with no backing adapter.
var ErrNotConfigured = errors.New("capability not configured")

// Outcome is the terminal result of an agent run.
type Outcome struct {
	Success bool   `json:"success"`
	Details string `json:"details,omitempty"`
}

// Progress is one item of an agent stream. The last item carries Outcome.
type Progress struct {
	Kind    string   `json:"kind"`
	Message string   `json:"message,omitempty"`
	Outcome *Outcome `json:"outcome,omitempty"`
}

type AgentContext struct {
	SessionID     string
	CorrelationID string
	IssueRef      string
	Branch        string
	Workspace     string
	Attempt       int
}

type Agent interface {
	Invoke(ctx context.Context, prompt string, ac AgentContext) (<-chan Progress, error)
}

// Drain consumes an agent stream up to its outcome, handing intermediate
// items to onProgress when non-nil.
func Drain(ctx context.Context, stream <-chan Progress, onProgress func(Progress)) (Outcome, error) {
	for {
		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case p, ok := <-stream:
			if !ok {
				return Outcome{}, errors.New("agent stream ended without an outcome")
			}
			if p.Outcome != nil {
				return *p.Outcome, nil
			}
			if onProgress != nil {
				onProgress(p)
			}
		}
	}
}

// AgentFailedError reports an agent run that finished unsuccessfully.
type AgentFailedError struct {
	Details string
}

func (e *AgentFailedError) Error() string {
	if e.Details == "" {
		return "agent run failed"
	}
	return fmt.Sprintf("agent run failed: %s", e.Details)
}

type DiffOptions struct {
	Exclude  []string
	MaxFiles int
}

type FileChange struct {
	Path   string `json:"path"`
	Status string `json:"status" enum:"added,modified,deleted,renamed"`
	Staged bool   `json:"staged"`
}

type DiffSummary struct {
	Files     []FileChange `json:"files"`
	Total     int          `json:"total"`
	Truncated bool         `json:"truncated"`
}

type SourceControl interface {
	CreateBranch(ctx context.Context, workspace, branch, base string) error
	DeleteBranch(ctx context.Context, workspace, branch string) error
	DeleteRemoteBranch(ctx context.Context, workspace, branch string) error
	Merge(ctx context.Context, workspace, branch, into string) error
	Push(ctx context.Context, workspace, branch string) error
	DiffSummary(ctx context.Context, workspace string, opts DiffOptions) (DiffSummary, error)
	DefaultBranch(ctx context.Context, workspace string) (string, error)
}

type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
	Branch string `json:"branch"`
	Base   string `json:"base"`
}

type PRRequest struct {
	IssueRef string
	Branch   string
	Base     string
	Title    string
	Body     string
}

type ReviewStatus struct {
	State    string   `json:"state" enum:"pending,approved,changes_requested"`
	Comments []string `json:"comments,omitempty"`
}

type CIStatus struct {
	State string `json:"state" enum:"pending,running,passed,failed"`
	Logs  string `json:"logs,omitempty"`
}

type CodeHost interface {
	CreatePR(ctx context.Context, req PRRequest) (PullRequest, error)
	PostComment(ctx context.Context, ref, body string) error
	GetReviewStatus(ctx context.Context, ref string) (ReviewStatus, error)
	GetCIStatus(ctx context.Context, ref string) (CIStatus, error)
}

// NoCodeHost stands in when no code host adapter is wired. PRs, reviews
// and CI results then arrive only as inbound facts.
type NoCodeHost struct{}

func (NoCodeHost) CreatePR(context.Context, PRRequest) (PullRequest, error) {
	return PullRequest{}, ErrNotConfigured
}

func (NoCodeHost) PostComment(context.Context, string, string) error {
	return ErrNotConfigured
}

func (NoCodeHost) GetReviewStatus(context.Context, string) (ReviewStatus, error) {
	return ReviewStatus{}, ErrNotConfigured
}

func (NoCodeHost) GetCIStatus(context.Context, string) (CIStatus, error) {
	return CIStatus{}, ErrNotConfigured
}

// NoAgent refuses every invocation.
type NoAgent struct{}

func (NoAgent) Invoke(context.Context, string, AgentContext) (<-chan Progress, error) {
	return nil, fmt.Errorf("agent: %w", ErrNotConfigured)
}
