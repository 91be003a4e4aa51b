package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	neturl "net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/schaermu/blogsync/internal/credential"
	"github.com/schaermu/blogsync/internal/failure"
)

// Auth holds the credentials for one publish. SSHKeyFile must point at a
// materialized key file. Username and Token are embedded in HTTPS remote
// URLs for the duration of a command.
type Auth struct {
	SSHKeyFile string
	Username   string
	Token      string
}

// Author identifies the committer of publish commits
type Author struct {
	Name  string
	Email string
}

// Client provides the git operations a publish needs
type Client interface {
	// Clone checks out branch of url into destDir. When the branch does not
	// exist remotely an empty orphan branch is prepared and existed is false.
	Clone(ctx context.Context, url, branch, destDir string, shallow bool) (existed bool, err error)
	// StageAll stages every change in the working tree, deletions included
	StageAll(ctx context.Context, dir string) error
	// HasStagedChanges reports whether the index differs from HEAD
	HasStagedChanges(ctx context.Context, dir string) (bool, error)
	// Commit records the index and returns the new commit hash
	Commit(ctx context.Context, dir string, author Author, message string) (string, error)
	// Push pushes HEAD to branch on origin
	Push(ctx context.Context, dir, branch string) error
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	auth   Auth
	logger *slog.Logger
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(auth Auth, logger *slog.Logger) *ShellClient {
	return &ShellClient{auth: auth, logger: logger}
}

// Clone clones branch, or prepares an orphan branch when it is missing
func (c *ShellClient) Clone(ctx context.Context, url, branch, destDir string, shallow bool) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
		return false, fmt.Errorf("failed to create parent directory: %w", err)
	}

	exists, err := c.remoteBranchExists(ctx, url, branch)
	if err != nil {
		return false, failure.Connection("git ls-remote", err)
	}

	if exists {
		args := []string{"clone", "--branch", branch, "--single-branch"}
		if shallow {
			args = append(args, "--depth", "1")
		}
		args = append(args, c.authURL(url), destDir)
		if err := c.run(ctx, url, args...); err != nil {
			return false, failure.Connection("git clone", err)
		}
		// Keep credentials out of the checkout's config.
		if err := c.run(ctx, "", "-C", destDir, "remote", "set-url", "origin", url); err != nil {
			return false, fmt.Errorf("failed to reset origin: %w", err)
		}
		return true, nil
	}

	c.logger.Info("branch not found on remote, starting orphan branch", "branch", branch)
	for _, args := range [][]string{
		{"init", destDir},
		{"-C", destDir, "remote", "add", "origin", url},
		{"-C", destDir, "symbolic-ref", "HEAD", "refs/heads/" + branch},
	} {
		if err := c.run(ctx, "", args...); err != nil {
			return false, fmt.Errorf("failed to prepare orphan branch: %w", err)
		}
	}
	return false, nil
}

func (c *ShellClient) remoteBranchExists(ctx context.Context, url, branch string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-remote", "--heads", c.authURL(url), "refs/heads/"+branch)
	c.configureAuth(cmd, url)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, fmt.Errorf("%w: %s", err, c.redact(strings.TrimSpace(string(exitErr.Stderr))))
		}
		return false, err
	}
	return strings.TrimSpace(string(output)) != "", nil
}

// StageAll runs git add -A
func (c *ShellClient) StageAll(ctx context.Context, dir string) error {
	if err := c.run(ctx, "", "-C", dir, "add", "-A"); err != nil {
		return fmt.Errorf("git add failed: %w", err)
	}
	return nil
}

// HasStagedChanges runs git diff --cached --quiet, which exits 1 on changes
func (c *ShellClient) HasStagedChanges(ctx context.Context, dir string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "diff", "--cached", "--quiet")
	err := cmd.Run()
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, fmt.Errorf("git diff failed: %w", err)
}

// Commit commits the index with the given author
func (c *ShellClient) Commit(ctx context.Context, dir string, author Author, message string) (string, error) {
	err := c.run(ctx, "",
		"-C", dir,
		"-c", "user.name="+author.Name,
		"-c", "user.email="+author.Email,
		"commit", "--no-gpg-sign", "-m", message,
	)
	if err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

// Push pushes HEAD to origin. A rejected push maps to a conflict error so
// the caller can tell "someone else pushed first" from a dead remote.
// Never forces.
func (c *ShellClient) Push(ctx context.Context, dir, branch string) error {
	url, err := c.originURL(ctx, dir)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "git", "-C", dir, "push", c.authURL(url), "HEAD:refs/heads/"+branch)
	c.configureAuth(cmd, url)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	out := c.redact(string(output))
	pushErr := fmt.Errorf("%w: %s", err, strings.TrimSpace(out))
	if isRejected(out) {
		return failure.Wrap(failure.CodeConflict, "git push", pushErr)
	}
	return failure.Connection("git push", pushErr)
}

func (c *ShellClient) originURL(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "remote", "get-url", "origin")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git remote get-url failed: %w", err)
	}
	return strings.TrimSpace(string(output)), nil
}

func isRejected(output string) bool {
	for _, marker := range []string{"[rejected]", "non-fast-forward", "fetch first", "[remote rejected]"} {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// run executes git with args. A non-empty remote configures auth for it.
func (c *ShellClient) run(ctx context.Context, remote string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	if remote != "" {
		c.configureAuth(cmd, remote)
	}
	return c.runCommand(cmd)
}

// authURL embeds the HTTPS username and token into url. Other URLs are
// returned unchanged.
func (c *ShellClient) authURL(remote string) string {
	if c.auth.Token == "" || !strings.HasPrefix(remote, "https://") {
		return remote
	}
	u, err := neturl.Parse(remote)
	if err != nil {
		return remote
	}
	username := c.auth.Username
	if username == "" {
		username = "x-access-token"
	}
	u.User = neturl.UserPassword(username, c.auth.Token)
	return u.String()
}

// redact strips the token from git output before it reaches errors or logs.
func (c *ShellClient) redact(s string) string {
	if c.auth.Token == "" {
		return s
	}
	// authURL escapes the token as URL userinfo, which differs from query
	// escaping for characters such as '/'.
	userinfo := strings.TrimPrefix(neturl.UserPassword("", c.auth.Token).String(), ":")
	for _, form := range []string{userinfo, neturl.QueryEscape(c.auth.Token), c.auth.Token} {
		s = strings.ReplaceAll(s, form, "***")
	}
	return s
}

// configureAuth sets up authentication for git operations against remote
func (c *ShellClient) configureAuth(cmd *exec.Cmd, remote string) {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	if c.auth.SSHKeyFile != "" && credential.IsSSHURL(remote) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		// accept-new trusts a host on first contact and pins it afterwards.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -o IdentitiesOnly=yes -F /dev/null", shellQuote(c.auth.SSHKeyFile))
		cmd.Args = insertGitFlags(cmd.Args, "-c", "core.sshCommand="+sshCmd)
	}
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "push").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// runCommand executes a command and returns an error with its output on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, c.redact(strings.TrimSpace(string(output))))
	}
	return nil
}
