// Package vcs lists changed files and produces per-file unified diffs from git.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	godiff "github.com/sourcegraph/go-diff/diff"
)

const defaultContext = 3

// ChangeOptions selects which changes ChangedFiles reports.
type ChangeOptions struct {
	Since  string
	Staged bool
}

// DiffOptions controls FileDiff. Context <= 0 uses git's default of 3 lines.
type DiffOptions struct {
	Since   string
	Context int
}

// Git runs git in a working tree.
type Git struct {
	root string
}

// New returns a Git bound to the working tree at root.
func New(root string) *Git {
	return &Git{root: root}
}

func (g *Git) run(ctx context.Context, args ...string) ([]byte, error) {
	return g.runAllow(ctx, nil, args...)
}

// runAllow runs git and treats any exit code in ok as success.
func (g *Git) runAllow(ctx context.Context, ok []int, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.root
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			for _, code := range ok {
				if exitErr.ExitCode() == code {
					return out, nil
				}
			}
		}
		return nil, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// HasHead reports whether the repository has at least one commit.
func (g *Git) HasHead(ctx context.Context) bool {
	_, err := g.run(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

// ChangedFiles returns repository-relative paths changed since opts.Since (or
// HEAD), including untracked files unless Staged is set. Deleted files are
// omitted. Without any commit every tracked file is returned.
func (g *Git) ChangedFiles(ctx context.Context, opts ChangeOptions) ([]string, error) {
	if !g.HasHead(ctx) {
		out, err := g.run(ctx, "ls-files", "--cached", "--others", "--exclude-standard")
		if err != nil {
			return nil, err
		}
		return uniqueSorted(splitNonEmpty(string(out))), nil
	}

	args := []string{"diff", "--no-color", "--no-ext-diff", "-U0"}
	if opts.Staged {
		args = append(args, "--cached")
	}
	args = append(args, revision(opts.Since))

	out, err := g.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	files, err := ParseChangedFiles(out)
	if err != nil {
		// Fall back to names only when the diff body cannot be parsed.
		nameArgs := []string{"diff", "--name-only", "--diff-filter=d"}
		if opts.Staged {
			nameArgs = append(nameArgs, "--cached")
		}
		names, nerr := g.run(ctx, append(nameArgs, revision(opts.Since))...)
		if nerr != nil {
			return nil, fmt.Errorf("parsing diff: %w", err)
		}
		files = splitNonEmpty(string(names))
	}

	if !opts.Staged {
		untracked, err := g.run(ctx, "ls-files", "--others", "--exclude-standard")
		if err != nil {
			return nil, err
		}
		files = append(files, splitNonEmpty(string(untracked))...)
	}
	return uniqueSorted(files), nil
}

// FileDiff returns the unified diff of one file against opts.Since (or HEAD).
// Untracked files, and every file in a repository without commits, are
// diffed against an empty file.
func (g *Git) FileDiff(ctx context.Context, path string, opts DiffOptions) (string, error) {
	n := opts.Context
	if n <= 0 {
		n = defaultContext
	}
	unified := "-U" + strconv.Itoa(n)

	if !g.HasHead(ctx) || !g.tracked(ctx, path) {
		// --no-index exits 1 when the files differ.
		out, err := g.runAllow(ctx, []int{1}, "diff", "--no-color", "--no-ext-diff", "--no-index", unified, "--", "/dev/null", path)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}

	out, err := g.run(ctx, "diff", "--no-color", "--no-ext-diff", unified, revision(opts.Since), "--", path)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (g *Git) tracked(ctx context.Context, path string) bool {
	_, err := g.run(ctx, "ls-files", "--error-unmatch", "--", path)
	return err == nil
}

// ParseChangedFiles extracts the new-side paths from a multi-file unified
// diff, skipping deletions.
func ParseChangedFiles(diff []byte) ([]string, error) {
	if len(bytes.TrimSpace(diff)) == 0 {
		return nil, nil
	}
	fds, err := godiff.ParseMultiFileDiff(diff)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, fd := range fds {
		name := cleanPath(fd.NewName)
		if name == "" || name == "/dev/null" {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func revision(since string) string {
	if since == "" {
		return "HEAD"
	}
	return since
}

// cleanPath removes the a/ or b/ prefix git adds to diff paths.
func cleanPath(p string) string {
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func uniqueSorted(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
