// Package workspace manages the per-session host directories that are
// bind-mounted into session containers.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"golang.org/x/sync/singleflight"
)

const repoDir = "repo"

// Manager owns the workspace root. Layout:
//
//	<root>/<session>/<container>   private container workspace
//	<root>/<session>/repo          project repository, cloned once per session
type Manager struct {
	root  string
	clone singleflight.Group
}

// NewManager creates the workspace root if needed
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root
func (m *Manager) Root() string {
	return m.root
}

// SessionDir returns the workspace directory of a session
func (m *Manager) SessionDir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

// Prepare returns the host path to mount into a container. With a
// repository the path is the session's shared clone; otherwise it is a
// private directory for the container.
func (m *Manager) Prepare(ctx context.Context, sessionID, containerID string, repo *types.Repository) (string, error) {
	if err := validName("session", sessionID); err != nil {
		return "", err
	}
	if err := validName("container", containerID); err != nil {
		return "", err
	}

	if repo != nil && repo.URL != "" {
		return m.cloneOnce(ctx, sessionID, repo)
	}

	dir := filepath.Join(m.SessionDir(sessionID), containerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &types.InternalError{Reason: fmt.Sprintf("create workspace %s: %v", dir, err)}
	}
	return dir, nil
}

func (m *Manager) cloneOnce(ctx context.Context, sessionID string, repo *types.Repository) (string, error) {
	dest := filepath.Join(m.SessionDir(sessionID), repoDir)

	v, err, shared := m.clone.Do(sessionID, func() (interface{}, error) {
		if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
			return dest, nil
		}

		opts := &git.CloneOptions{
			URL:          repo.URL,
			SingleBranch: true,
		}
		if isRemote(repo.URL) {
			opts.Depth = 1
		}
		if repo.Ref != "" {
			opts.ReferenceName = plumbing.NewBranchReferenceName(repo.Ref)
		}

		log.Logger.Info().
			Str("component", "workspace").
			Str("session_id", sessionID).
			Str("url", repo.URL).
			Msg("Cloning repository")

		if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
			_ = os.RemoveAll(dest)
			return nil, types.External("git", "clone "+repo.URL, err)
		}
		return dest, nil
	})
	if err != nil {
		return "", err
	}

	if shared {
		log.Logger.Debug().Str("component", "workspace").Str("session_id", sessionID).Msg("Joined in-flight clone")
	}
	return v.(string), nil
}

// Remove deletes the whole session workspace
func (m *Manager) Remove(sessionID string) error {
	if err := validName("session", sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(m.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	return nil
}

func validName(field, s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return &types.ValidationError{Field: field, Reason: fmt.Sprintf("%q is not a valid path element", s)}
	}
	return nil
}

func isRemote(url string) bool {
	return strings.Contains(url, "://") && !strings.HasPrefix(url, "file://") || strings.HasPrefix(url, "git@")
}
