package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/goblinsan/multi-agent-machine-client/internal/ctxkeys"
	"go.uber.org/zap"
)

// GitRepoOps implements RepoOps with the git command line.
type GitRepoOps struct {
	// BaseDir is where repositories named only by remote are cloned.
	BaseDir string
	// Remote is the remote pushed to. Defaults to "origin".
	Remote string
	// AuthorName and AuthorEmail, when set, override the commit identity.
	AuthorName  string
	AuthorEmail string

	logger *zap.Logger
}

var _ RepoOps = (*GitRepoOps)(nil)

// NewGitRepoOps creates git-backed repository operations.
func NewGitRepoOps(baseDir string, logger *zap.Logger) *GitRepoOps {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitRepoOps{
		BaseDir: baseDir,
		Remote:  "origin",
		logger:  logger.With(zap.String("component", "git")),
	}
}

func (g *GitRepoOps) git(ctx context.Context, dir string, args ...string) (string, error) {
	full := make([]string, 0, len(args)+4)
	if g.AuthorName != "" {
		full = append(full, "-c", "user.name="+g.AuthorName)
	}
	if g.AuthorEmail != "" {
		full = append(full, "-c", "user.email="+g.AuthorEmail)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

func payloadString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// ResolveRepo finds or clones the working copy described by payload. It
// reads repo_root, remote (or repo) and branch.
func (g *GitRepoOps) ResolveRepo(ctx context.Context, payload map[string]any) (RepoInfo, error) {
	info := RepoInfo{
		RepoRoot: payloadString(payload, "repo_root", "repoRoot"),
		Remote:   payloadString(payload, "remote", "repo"),
		Branch:   payloadString(payload, "branch"),
	}

	if info.RepoRoot == "" {
		if info.Remote == "" {
			return info, errors.New("resolve repo: payload has neither repo_root nor remote")
		}
		if g.BaseDir == "" {
			return info, errors.New("resolve repo: no base dir configured for clones")
		}
		name := strings.TrimSuffix(path.Base(filepath.ToSlash(info.Remote)), ".git")
		info.RepoRoot = filepath.Join(g.BaseDir, name)

		if _, err := os.Stat(filepath.Join(info.RepoRoot, ".git")); os.IsNotExist(err) {
			if err := os.MkdirAll(g.BaseDir, 0o755); err != nil {
				return info, fmt.Errorf("resolve repo: %w", err)
			}
			g.logger.Info("cloning repository", zap.String("remote", info.Remote), zap.String("path", info.RepoRoot))
			if _, err := g.git(ctx, g.BaseDir, "clone", info.Remote, info.RepoRoot); err != nil {
				return info, err
			}
		}
	}

	if _, err := g.git(ctx, info.RepoRoot, "rev-parse", "--git-dir"); err != nil {
		return info, fmt.Errorf("resolve repo: %s is not a git repository: %w", info.RepoRoot, err)
	}
	if info.Branch == "" {
		branch, err := g.git(ctx, info.RepoRoot, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return info, err
		}
		info.Branch = branch
	}
	if info.Remote == "" {
		if url, err := g.git(ctx, info.RepoRoot, "remote", "get-url", g.remote()); err == nil {
			info.Remote = url
		}
	}
	return info, nil
}

func (g *GitRepoOps) remote() string {
	if g.Remote == "" {
		return "origin"
	}
	return g.Remote
}

func (g *GitRepoOps) hasRemote(ctx context.Context, repoRoot string) bool {
	out, err := g.git(ctx, repoRoot, "remote")
	if err != nil {
		return false
	}
	for _, r := range strings.Fields(out) {
		if r == g.remote() {
			return true
		}
	}
	return false
}

// CheckoutBranch switches to branch, creating it from base when missing.
func (g *GitRepoOps) CheckoutBranch(ctx context.Context, repoRoot, base, branch string) error {
	if branch == "" {
		return errors.New("checkout: branch is required")
	}
	if g.hasRemote(ctx, repoRoot) && base != "" {
		if _, err := g.git(ctx, repoRoot, "fetch", g.remote(), base); err != nil {
			g.logger.Warn("fetch failed, using local base", zap.String("base", base), zap.Error(err))
		}
	}

	if _, err := g.git(ctx, repoRoot, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch); err == nil {
		_, err = g.git(ctx, repoRoot, "checkout", branch)
		return err
	}

	args := []string{"checkout", "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	_, err := g.git(ctx, repoRoot, args...)
	return err
}

// CommitAndPush stages paths (everything when empty), commits, and pushes
// when a remote is configured.
func (g *GitRepoOps) CommitAndPush(ctx context.Context, repoRoot, branch, message string, paths []string) (CommitResult, error) {
	addArgs := []string{"add", "-A"}
	if len(paths) > 0 {
		addArgs = append(addArgs, "--")
		addArgs = append(addArgs, paths...)
	}
	if _, err := g.git(ctx, repoRoot, addArgs...); err != nil {
		return CommitResult{}, err
	}

	if _, err := g.git(ctx, repoRoot, "diff", "--cached", "--quiet"); err == nil {
		return CommitResult{Reason: "no changes to commit"}, nil
	}

	if _, err := g.git(ctx, repoRoot, "commit", "-m", message); err != nil {
		return CommitResult{}, err
	}
	result := CommitResult{Committed: true}

	if !g.hasRemote(ctx, repoRoot) {
		result.Reason = "no remote configured"
		return result, nil
	}
	if _, err := g.git(ctx, repoRoot, "push", "-u", g.remote(), branch); err != nil {
		g.logger.Warn("push failed", append(ctxkeys.Fields(ctx), zap.String("branch", branch), zap.Error(err))...)
		result.Reason = err.Error()
		return result, nil
	}
	result.Pushed = true
	return result, nil
}

// HeadSHA returns the current commit.
func (g *GitRepoOps) HeadSHA(ctx context.Context, repoRoot string) (string, error) {
	return g.git(ctx, repoRoot, "rev-parse", "HEAD")
}
