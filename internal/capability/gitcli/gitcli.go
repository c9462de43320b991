// Package gitcli implements source control by shelling out to git.
package gitcli

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"mergeline/internal/capability"
)

// Runner executes git in dir and returns stdout.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

type Git struct {
	Binary     string
	Remote     string
	BaseBranch string
	Run        Runner
}

func New(binary, remote, baseBranch string) *Git {
	if binary == "" {
		binary = "git"
	}
	if remote == "" {
		remote = "origin"
	}
	g := &Git{Binary: binary, Remote: remote, BaseBranch: baseBranch}
	g.Run = g.exec
	return g
}

func (g *Git) exec(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, g.Binary, append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), fmt.Errorf("git %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.Run(ctx, dir, args...)
	return strings.TrimSpace(string(out)), err
}

func (g *Git) base(ctx context.Context, workspace, base string) (string, error) {
	if base != "" {
		return base, nil
	}
	if g.BaseBranch != "" {
		return g.BaseBranch, nil
	}
	return g.DefaultBranch(ctx, workspace)
}

func (g *Git) CreateBranch(ctx context.Context, workspace, branch, base string) error {
	from, err := g.base(ctx, workspace, base)
	if err != nil {
		return err
	}
	_, err = g.git(ctx, workspace, "checkout", "-b", branch, from)
	return err
}

// DeleteBranch leaves the branch for the default branch, then deletes it.
func (g *Git) DeleteBranch(ctx context.Context, workspace, branch string) error {
	base, err := g.base(ctx, workspace, "")
	if err != nil {
		return err
	}
	if current, _ := g.git(ctx, workspace, "rev-parse", "--abbrev-ref", "HEAD"); current == branch {
		if _, err := g.git(ctx, workspace, "checkout", base); err != nil {
			return err
		}
	}
	_, err = g.git(ctx, workspace, "branch", "-D", branch)
	return err
}

func (g *Git) DeleteRemoteBranch(ctx context.Context, workspace, branch string) error {
	_, err := g.git(ctx, workspace, "push", g.Remote, "--delete", branch)
	return err
}

func (g *Git) Merge(ctx context.Context, workspace, branch, into string) error {
	target, err := g.base(ctx, workspace, into)
	if err != nil {
		return err
	}
	if _, err := g.git(ctx, workspace, "checkout", target); err != nil {
		return err
	}
	if _, err := g.git(ctx, workspace, "merge", "--no-ff", "--no-edit", branch); err != nil {
		_, _ = g.git(ctx, workspace, "merge", "--abort")
		return err
	}
	return nil
}

func (g *Git) Push(ctx context.Context, workspace, branch string) error {
	_, err := g.git(ctx, workspace, "push", "-u", g.Remote, branch)
	return err
}

// DefaultBranch prefers the remote's HEAD, then main, master, develop, then
// the first local branch.
func (g *Git) DefaultBranch(ctx context.Context, workspace string) (string, error) {
	if ref, err := g.git(ctx, workspace, "symbolic-ref", "--short", "refs/remotes/"+g.Remote+"/HEAD"); err == nil && ref != "" {
		return strings.TrimPrefix(ref, g.Remote+"/"), nil
	}
	out, err := g.git(ctx, workspace, "branch", "--format=%(refname:short)")
	if err != nil {
		return "", err
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	for _, want := range []string{"main", "master", "develop"} {
		for _, b := range branches {
			if b == want {
				return b, nil
			}
		}
	}
	if len(branches) > 0 {
		return branches[0], nil
	}
	return "", fmt.Errorf("no branches in %s", workspace)
}

// DiffSummary lists working tree changes, skipping excluded paths and
// truncating to MaxFiles. Total counts every non-excluded change.
func (g *Git) DiffSummary(ctx context.Context, workspace string, opts capability.DiffOptions) (capability.DiffSummary, error) {
	out, err := g.Run(ctx, workspace, "status", "--porcelain=v1", "--untracked-files=all")
	if err != nil {
		return capability.DiffSummary{}, err
	}
	return summarize(ParsePorcelain(string(out)), opts), nil
}

// ParsePorcelain reads `git status --porcelain=v1` output.
func ParsePorcelain(out string) []capability.FileChange {
	var files []capability.FileChange
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y, path := line[0], line[1], line[3:]
		fc := capability.FileChange{Path: path}
		switch {
		case x == '?' && y == '?':
			fc.Status = "added"
		case x == 'R' || y == 'R':
			fc.Status = "renamed"
			if i := strings.Index(path, " -> "); i >= 0 {
				fc.Path = path[i+4:]
			}
		case x == 'D' || y == 'D':
			fc.Status = "deleted"
		case x == 'A':
			fc.Status = "added"
		default:
			fc.Status = "modified"
		}
		fc.Staged = x != ' ' && x != '?'
		fc.Path = strings.Trim(fc.Path, `"`)
		files = append(files, fc)
	}
	return files
}

func summarize(files []capability.FileChange, opts capability.DiffOptions) capability.DiffSummary {
	kept := make([]capability.FileChange, 0, len(files))
	for _, f := range files {
		if excluded(f.Path, opts.Exclude) {
			continue
		}
		kept = append(kept, f)
	}
	sum := capability.DiffSummary{Files: kept, Total: len(kept)}
	if opts.MaxFiles > 0 && len(kept) > opts.MaxFiles {
		sum.Files = kept[:opts.MaxFiles]
		sum.Truncated = true
	}
	return sum
}

// excluded matches a pattern as a glob against the path or its base name,
// or, with surrounding stars trimmed, as a substring of the path.
func excluded(path string, patterns []string) bool {
	for _, p := range patterns {
		core := strings.Trim(p, "*")
		if core == "" {
			continue
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(path)); ok {
			return true
		}
		if !strings.ContainsAny(core, "*?[") && strings.Contains(path, core) {
			return true
		}
	}
	return false
}
