package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// CheckoutCache keeps bare clones of source repositories so repeated jobs
// for the same repo reuse fetched objects. The cache is owned exclusively
// by one worker instance; a cache miss produces the same result via a full
// fetch, so correctness never depends on cache presence.
type CheckoutCache struct {
	cacheDir    string
	worktreeDir string
}

// NewCheckoutCache creates a checkout cache under the given directories
func NewCheckoutCache(cacheDir, worktreeDir string) *CheckoutCache {
	return &CheckoutCache{cacheDir: cacheDir, worktreeDir: worktreeDir}
}

// Checkout materializes a commit into a fresh worktree and returns its
// path. The caller owns the returned directory and removes it via Cleanup.
func (c *CheckoutCache) Checkout(ctx context.Context, jobID, repo, commit string) (string, error) {
	repoDir, err := c.ensureMirror(ctx, repo)
	if err != nil {
		return "", err
	}

	// Fetch is cheap when the commit is already cached
	fetch := exec.CommandContext(ctx, "git", "fetch", "origin", commit)
	fetch.Dir = repoDir
	if out, err := fetch.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git fetch %s: %s: %w", commit, out, err)
	}

	if err := os.MkdirAll(c.worktreeDir, 0755); err != nil {
		return "", err
	}
	wtPath := filepath.Join(c.worktreeDir, fmt.Sprintf("job-%s", jobID))
	if _, err := os.Stat(wtPath); err == nil {
		// Redelivered job: reuse the worktree from the earlier attempt
		return wtPath, nil
	}

	add := exec.CommandContext(ctx, "git", "worktree", "add", "--detach", wtPath, commit)
	add.Dir = repoDir
	if out, err := add.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git worktree add: %s: %w", out, err)
	}
	return wtPath, nil
}

// Cleanup removes a worktree created by Checkout. Best effort.
func (c *CheckoutCache) Cleanup(repo, wtPath string) {
	repoDir := filepath.Join(c.cacheDir, repoKey(repo))
	cmd := exec.Command("git", "worktree", "remove", "--force", wtPath)
	cmd.Dir = repoDir
	cmd.Run()
	os.RemoveAll(wtPath)
}

// ensureMirror clones the repo as a bare mirror if it is not cached yet
func (c *CheckoutCache) ensureMirror(ctx context.Context, repo string) (string, error) {
	repoDir := filepath.Join(c.cacheDir, repoKey(repo))

	if _, err := os.Stat(filepath.Join(repoDir, "HEAD")); err == nil {
		return repoDir, nil
	}

	if err := os.MkdirAll(c.cacheDir, 0755); err != nil {
		return "", err
	}
	clone := exec.CommandContext(ctx, "git", "clone", "--bare", repo, repoDir)
	if out, err := clone.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git clone %s: %s: %w", repo, out, err)
	}
	return repoDir, nil
}

func repoKey(repo string) string {
	sum := sha256.Sum256([]byte(repo))
	return hex.EncodeToString(sum[:8])
}
