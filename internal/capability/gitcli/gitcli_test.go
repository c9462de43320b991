package gitcli

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mergeline/internal/capability"
)

// scripted answers git invocations by joined argument string.
type scripted struct {
	replies map[string]string
	fail    map[string]bool
	calls   []string
}

func (s *scripted) run(_ context.Context, _ string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	s.calls = append(s.calls, key)
	if s.fail[key] {
		return nil, errors.New("exit status 1")
	}
	return []byte(s.replies[key]), nil
}

func newScripted(replies map[string]string, fail ...string) (*Git, *scripted) {
	s := &scripted{replies: replies, fail: map[string]bool{}}
	for _, f := range fail {
		s.fail[f] = true
	}
	g := New("", "", "")
	g.Run = s.run
	return g, s
}

func TestParsePorcelain(t *testing.T) {
	out := " M internal/app/app.go\n" +
		"M  go.mod\n" +
		"A  internal/new.go\n" +
		" D old.go\n" +
		"R  a.go -> b.go\n" +
		"?? notes.txt\n"
	got := ParsePorcelain(out)
	want := []capability.FileChange{
		{Path: "internal/app/app.go", Status: "modified"},
		{Path: "go.mod", Status: "modified", Staged: true},
		{Path: "internal/new.go", Status: "added", Staged: true},
		{Path: "old.go", Status: "deleted"},
		{Path: "b.go", Status: "renamed", Staged: true},
		{Path: "notes.txt", Status: "added"},
	}
	assert.Equal(t, want, got)
}

func TestDiffSummaryExcludesAndTruncates(t *testing.T) {
	g, _ := newScripted(map[string]string{
		"status --porcelain=v1 --untracked-files=all": " M a.go\n M go.sum.lock\n M vendor/x/y.go\n M b.go\n M c.go\n",
	})
	sum, err := g.DiffSummary(context.Background(), "/ws", capability.DiffOptions{
		Exclude:  []string{"*.lock", "vendor/*"},
		MaxFiles: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Total)
	assert.True(t, sum.Truncated)
	require.Len(t, sum.Files, 2)
	assert.Equal(t, "a.go", sum.Files[0].Path)
	assert.Equal(t, "b.go", sum.Files[1].Path)
}

func TestDefaultBranchPrefersRemoteHead(t *testing.T) {
	g, _ := newScripted(map[string]string{
		"symbolic-ref --short refs/remotes/origin/HEAD": "origin/trunk\n",
	})
	b, err := g.DefaultBranch(context.Background(), "/ws")
	require.NoError(t, err)
	assert.Equal(t, "trunk", b)
}

func TestDefaultBranchFallbacks(t *testing.T) {
	g, _ := newScripted(map[string]string{
		"branch --format=%(refname:short)": "feature/x\ndevelop\nmaster\n",
	}, "symbolic-ref --short refs/remotes/origin/HEAD")
	b, err := g.DefaultBranch(context.Background(), "/ws")
	require.NoError(t, err)
	assert.Equal(t, "master", b)

	g, _ = newScripted(map[string]string{
		"branch --format=%(refname:short)": "feature/x\n",
	}, "symbolic-ref --short refs/remotes/origin/HEAD")
	b, err = g.DefaultBranch(context.Background(), "/ws")
	require.NoError(t, err)
	assert.Equal(t, "feature/x", b)
}

func TestBranchLifecycleCommands(t *testing.T) {
	g, s := newScripted(map[string]string{
		"rev-parse --abbrev-ref HEAD": "issue/42\n",
	})
	g.BaseBranch = "main"
	ctx := context.Background()

	require.NoError(t, g.CreateBranch(ctx, "/ws", "issue/42", ""))
	require.NoError(t, g.Push(ctx, "/ws", "issue/42"))
	require.NoError(t, g.DeleteBranch(ctx, "/ws", "issue/42"))
	require.NoError(t, g.Merge(ctx, "/ws", "issue/42", ""))

	assert.Equal(t, []string{
		"checkout -b issue/42 main",
		"push -u origin issue/42",
		"rev-parse --abbrev-ref HEAD",
		"checkout main",
		"branch -D issue/42",
		"checkout main",
		"merge --no-ff --no-edit issue/42",
	}, s.calls)
}

func TestMergeAbortsOnConflict(t *testing.T) {
	g, s := newScripted(nil, "merge --no-ff --no-edit issue/1")
	g.BaseBranch = "main"
	err := g.Merge(context.Background(), "/ws", "issue/1", "")
	require.Error(t, err)
	assert.Equal(t, "merge --abort", s.calls[len(s.calls)-1])
}
