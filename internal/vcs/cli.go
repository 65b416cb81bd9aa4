package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"

	"github.com/depsync/depsync/internal/credentials"
	"github.com/depsync/depsync/internal/errs"
)

// CLI implements Client by running the git executable. Credentials are
// passed as HTTP headers through GIT_CONFIG_* environment variables so they
// never show up in the process list; SSH remotes rely on the user's own ssh
// configuration and agent.
type CLI struct {
	binary string
	creds  credentials.Provider
	refs   string
}

func NewCLI(creds credentials.Provider) *CLI {
	if creds == nil {
		creds = credentials.Anonymous{}
	}
	return &CLI{binary: "git", creds: creds, refs: DefaultMarkers.Refs}
}

// WithBinary sets the git executable to run.
func (c *CLI) WithBinary(binary string) *CLI {
	c.binary = binary
	return c
}

// WithRefsMarker sets the marker expected in "git ls-remote" output when the
// branch exists.
func (c *CLI) WithRefsMarker(marker string) *CLI {
	if marker != "" {
		c.refs = marker
	}
	return c
}

func (*CLI) IsValidLocalRepo(path string) bool {
	fi, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && fi.IsDir()
}

func (c *CLI) CloneSparse(ctx context.Context, rawURL, branch, dest, subFolder string, progress ProgressFunc) (string, error) {
	env, err := c.env(ctx, rawURL)
	if err != nil {
		return "", err
	}

	sub := cleanSubFolder(subFolder)
	args := []string{"clone", remoteURL(rawURL), "--filter=blob:none"}
	if sub != "" {
		args = append(args, "--sparse")
	}
	args = append(args, "--single-branch", "--branch", branch, "--depth", "1", "--progress", dest)

	t := newTranscript(progress)
	if err := c.run(ctx, "", env, t, args...); err != nil {
		return t.String(), err
	}

	if sub != "" {
		if err := c.run(ctx, dest, env, t, "sparse-checkout", "set", sub); err != nil {
			return t.String(), err
		}
	}

	// Remember the URL for credential lookups on update.
	if err := writeState(dest, cloneState{URL: rawURL, Branch: branch, SubFolder: sub}); err != nil {
		return t.String(), err
	}
	return t.String(), nil
}

func (c *CLI) UpdateToRemote(ctx context.Context, dest, branch string, progress ProgressFunc) (string, error) {
	t := newTranscript(progress)

	state, err := readState(dest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrLocalRepoCorrupt, err)
	}
	if state.Branch != branch {
		return "", fmt.Errorf("%w: clone tracks branch %q, not %q", errs.ErrLocalRepoCorrupt, state.Branch, branch)
	}

	env, err := c.env(ctx, state.URL)
	if err != nil {
		return "", err
	}

	steps := [][]string{
		{"checkout", "-B", branch},
		{"fetch", remoteName, fmt.Sprintf("+refs/heads/%[1]s:refs/remotes/%[2]s/%[1]s", branch, remoteName), "--depth", "1", "--progress"},
		{"reset", "--hard", remoteName + "/" + branch},
	}
	for _, args := range steps {
		if err := c.run(ctx, dest, env, t, args...); err != nil {
			return t.String(), err
		}
	}
	return t.String(), nil
}

func (c *CLI) ListRemoteRefs(ctx context.Context, rawURL, branch string) (bool, error) {
	env, err := c.env(ctx, rawURL)
	if err != nil {
		return false, err
	}

	ref := plumbing.NewBranchReferenceName(branch).String()
	t := newTranscript(nil)
	if err := c.run(ctx, "", env, t, "ls-remote", remoteURL(rawURL), ref); err != nil {
		var gitErr *GitError
		if errors.As(err, &gitErr) && gitErr.kind == nil {
			return false, fmt.Errorf("%w: %w", errs.ErrRemoteUnreachable, err)
		}
		return false, err
	}
	out := t.String()
	if Validate("ls-remote", out, c.refs) != nil {
		return false, nil
	}
	return hasRef(out, ref), nil
}

// hasRef reports whether ls-remote output lists ref itself. git matches its
// patterns against the tail of ref names, so the output may hold other refs
// ending in ref.
func hasRef(out, ref string) bool {
	for _, line := range strings.Split(out, "\n") {
		if fields := strings.Fields(line); len(fields) == 2 && fields[1] == ref {
			return true
		}
	}
	return false
}

func (c *CLI) run(ctx context.Context, dir string, env []string, t *transcript, args ...string) error {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	// One writer for both streams: exec then never calls Write concurrently.
	var out bytes.Buffer
	w := io.MultiWriter(t, &out)
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Run(); err != nil {
		return &GitError{Err: err, Args: args, Output: out.String(), kind: kindFromOutput(out.String())}
	}
	return nil
}

// env returns the environment for a git command talking to rawURL.
func (c *CLI) env(ctx context.Context, rawURL string) ([]string, error) {
	env := []string{"GIT_TERMINAL_PROMPT=0", "LC_ALL=C"}

	auth, err := c.creds.Resolve(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	headers, err := credentials.HTTPHeaders(auth)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return env, nil
	}

	env = append(env, "GIT_CONFIG_COUNT="+strconv.Itoa(len(headers)))
	for i, h := range headers {
		env = append(env,
			fmt.Sprintf("GIT_CONFIG_KEY_%d=http.extraHeader", i),
			fmt.Sprintf("GIT_CONFIG_VALUE_%d=%s", i, h))
	}
	return env, nil
}

// remoteURL turns local paths into file:// URLs. git skips the transport
// (and its progress output) for plain paths.
func remoteURL(rawURL string) string {
	if strings.Contains(rawURL, "://") || strings.Contains(rawURL, "@") {
		return rawURL
	}
	if abs, err := filepath.Abs(rawURL); err == nil {
		if _, err := os.Stat(abs); err == nil {
			return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
		}
	}
	return rawURL
}
