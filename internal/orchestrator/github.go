package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/attemptengine/core/internal/types"
)

// GitHubClient creates a pull request against a hosted GitHub repository.
// The default implementation (NewGhCLIClient) shells out to the gh CLI,
// the same way a developer would from their own terminal, so credential
// helpers and SSO behave identically to a manual `gh pr create`.
type GitHubClient interface {
	CreatePR(ctx context.Context, repoPath, head, base, title, body string) (number int, url string, err error)
}

// ghCLIClient is the default GitHubClient.
type ghCLIClient struct{}

// NewGhCLIClient returns the gh-CLI-backed GitHubClient.
func NewGhCLIClient() GitHubClient { return ghCLIClient{} }

func (ghCLIClient) CreatePR(ctx context.Context, repoPath, head, base, title, body string) (int, string, error) {
	if _, err := exec.LookPath("gh"); err != nil {
		return 0, "", types.ErrGithubCliNotInstalled
	}

	args := []string{"pr", "create", "--head", head, "--base", base, "--title", title, "--body", body}
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = repoPath
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return 0, "", translateGhError(stderr.String(), err)
	}

	url := strings.TrimSpace(stdout.String())
	number, parseErr := parsePRNumberFromURL(url)
	if parseErr != nil {
		return 0, url, fmt.Errorf("attemptengine: parse PR number from %q: %w", url, parseErr)
	}
	return number, url, nil
}

func translateGhError(stderr string, err error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "gh auth login") || strings.Contains(msg, "not logged"):
		return types.ErrGithubCliNotLoggedIn
	case strings.Contains(msg, "executable file not found"):
		return types.ErrGithubCliNotInstalled
	default:
		return fmt.Errorf("attemptengine: gh pr create: %s: %w", strings.TrimSpace(stderr), err)
	}
}

func parsePRNumberFromURL(url string) (int, error) {
	idx := strings.LastIndexByte(url, '/')
	if idx < 0 || idx == len(url)-1 {
		return 0, errors.New("no trailing path segment")
	}
	var n int
	if _, err := fmt.Sscanf(url[idx+1:], "%d", &n); err != nil {
		return 0, err
	}
	return n, nil
}

// BrowserOpener opens a URL in the host's default browser.
type BrowserOpener interface {
	Open(url string) error
}

// OSBrowserOpener opens a URL with the platform's default handler (macOS
// "open", Linux "xdg-open", Windows "rundll32 url.dll,FileProtocolHandler").
type OSBrowserOpener struct{}

func (OSBrowserOpener) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		path, err := exec.LookPath("xdg-open")
		if err != nil {
			return fmt.Errorf("attemptengine: no browser opener available: %w", err)
		}
		cmd = exec.Command(path, url)
	}
	return cmd.Start()
}
