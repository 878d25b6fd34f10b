// Package checkout manages the per-slot repository working copies agents run
// in. Each slot owns one clone per repository at a deterministic path; Ensure
// is idempotent (clone if absent, update and clean if present) and must not
// be called concurrently for the same slot.
package checkout

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"foreman/pkg/state"
)

// PathResolver maps (slot, repo) to a working-copy path.
type PathResolver func(slot int, repo string) (string, error)

// Manager prepares working copies for agent slots.
type Manager struct {
	runner  CommandRunner
	resolve PathResolver
	logf    func(format string, args ...any)
}

// NewManager creates a Manager. logf receives warnings about dirty or odd
// repository state; nil disables them.
func NewManager(runner CommandRunner, resolve PathResolver, logf func(format string, args ...any)) *Manager {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Manager{runner: runner, resolve: resolve, logf: logf}
}

// Ensure guarantees a ready, clean, up-to-date working copy for the slot and
// repository, and returns its path. Clones on first use, otherwise checks out
// main and pulls. Runs setup.sh afterwards when the repo ships one; setup
// failures warn but do not block.
func (m *Manager) Ensure(ctx context.Context, slot int, repo string) (string, error) {
	path, err := m.resolve(slot, repo)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := m.clone(ctx, path, repo); err != nil {
			return "", err
		}
	} else {
		if err := m.update(ctx, path); err != nil {
			return "", err
		}
	}

	if err := m.ensureCleanState(ctx, path); err != nil {
		return "", err
	}

	m.runSetup(ctx, path)
	return path, nil
}

func (m *Manager) clone(ctx context.Context, path, repo string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkout parent dir: %w", err)
	}
	if _, err := m.runner.Run(ctx, "", "git", "clone", "git@github.com:"+repo+".git", path); err != nil {
		return fmt.Errorf("clone %s: %w", repo, err)
	}
	return nil
}

func (m *Manager) update(ctx context.Context, path string) error {
	if _, err := m.runner.Run(ctx, path, "git", "checkout", "main"); err != nil {
		return fmt.Errorf("checkout main in %s: %w", path, err)
	}
	if _, err := m.runner.Run(ctx, path, "git", "fetch", "origin"); err != nil {
		return fmt.Errorf("fetch in %s: %w", path, err)
	}
	if _, err := m.runner.Run(ctx, path, "git", "pull", "origin", "main"); err != nil {
		return fmt.Errorf("pull in %s: %w", path, err)
	}
	return nil
}

// ensureCleanState checks for uncommitted changes (warn only) and recovers
// from a detached HEAD by reattaching to main, falling back to master for
// legacy repositories.
func (m *Manager) ensureCleanState(ctx context.Context, path string) error {
	out, err := m.runner.Run(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("status in %s: %w", path, err)
	}
	if dirty := strings.TrimSpace(string(out)); dirty != "" {
		m.logf("warning: %s has uncommitted changes:\n%s", path, dirty)
	}

	out, err = m.runner.Run(ctx, path, "git", "branch", "--show-current")
	if err != nil {
		return fmt.Errorf("current branch in %s: %w", path, err)
	}
	if strings.TrimSpace(string(out)) == "" {
		m.logf("warning: %s is in detached HEAD state, reattaching", path)
		if _, err := m.runner.Run(ctx, path, "git", "checkout", "main"); err != nil {
			if _, err := m.runner.Run(ctx, path, "git", "checkout", "master"); err != nil {
				return fmt.Errorf("reattach HEAD in %s: checkout main and master both failed: %w", path, err)
			}
		}
	}
	return nil
}

// runSetup executes setup.sh in the working copy if present. Best-effort.
func (m *Manager) runSetup(ctx context.Context, path string) {
	script := filepath.Join(path, "setup.sh")
	if _, err := os.Stat(script); err != nil {
		return
	}
	if _, err := m.runner.Run(ctx, path, "chmod", "+x", "setup.sh"); err != nil {
		m.logf("warning: chmod setup.sh in %s: %v", path, err)
	}
	if _, err := m.runner.Run(ctx, path, "./setup.sh"); err != nil {
		m.logf("warning: setup.sh in %s failed: %v", path, err)
	}
}

// CheckoutBranch puts the working copy on the deterministic branch for the
// issue, creating the branch if it does not exist, and verifies the result.
func (m *Manager) CheckoutBranch(ctx context.Context, path string, issueNumber int) (string, error) {
	branch := state.BranchFor(issueNumber)

	_, err := m.runner.Run(ctx, path, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	exists := err == nil

	if exists {
		if _, err := m.runner.Run(ctx, path, "git", "checkout", branch); err != nil {
			return "", fmt.Errorf("checkout %s: %w", branch, err)
		}
	} else {
		if _, err := m.runner.Run(ctx, path, "git", "checkout", "-b", branch); err != nil {
			return "", fmt.Errorf("create branch %s: %w", branch, err)
		}
	}

	out, err := m.runner.Run(ctx, path, "git", "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("verify branch: %w", err)
	}
	if current := strings.TrimSpace(string(out)); current != branch {
		return "", fmt.Errorf("expected branch %s, working copy is on %q", branch, current)
	}
	return branch, nil
}

// BranchReady verifies the working copy is sitting on the expected branch
// with the ref present. A dirty tree warns but does not fail; a missing or
// wrong branch does.
func (m *Manager) BranchReady(ctx context.Context, path, branch string) error {
	if _, err := m.runner.Run(ctx, path, "git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch); err != nil {
		return fmt.Errorf("branch %s does not exist: %w", branch, err)
	}

	out, err := m.runner.Run(ctx, path, "git", "branch", "--show-current")
	if err != nil {
		return fmt.Errorf("current branch in %s: %w", path, err)
	}
	if current := strings.TrimSpace(string(out)); current != branch {
		return fmt.Errorf("expected branch %s, working copy is on %q", branch, current)
	}

	out, err = m.runner.Run(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("status in %s: %w", path, err)
	}
	if dirty := strings.TrimSpace(string(out)); dirty != "" {
		m.logf("warning: branch %s has uncommitted changes:\n%s", branch, dirty)
	}
	return nil
}
