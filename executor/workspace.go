package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/envsync"
	"github.com/hrygo/codefleet/session"
	"github.com/hrygo/codefleet/shell"
	"github.com/hrygo/codefleet/store"
)

// ErrNoRepo means neither a base clone nor a repo URL exists for the
// task's project; the no-repo conversation takes over.
var ErrNoRepo = errors.New("no repository available for project")

// Workspace is one git worktree prepared for a task session.
type Workspace struct {
	Path    string
	Branch  string
	BaseRef string
}

// prepareWorkspace ensures a base clone and carves a task worktree off
// it: fetch, resolve the base ref, worktree add on a task branch, then
// materialize the synced .env.
func (e *Executor) prepareWorkspace(ctx context.Context, task *store.Task, target shell.Target) (*Workspace, error) {
	if task.Project == "" {
		return nil, errors.New("task has no project")
	}
	base := path.Join(e.cfg.BaseDir, task.Project)

	if _, err := e.run(ctx, target.ID, fmt.Sprintf("git -C %q rev-parse --is-inside-work-tree", base)); err != nil {
		if task.RepoURL == "" {
			return nil, ErrNoRepo
		}
		slog.Info("executor: cloning base repo",
			"project", task.Project, "machine", target.ID, "url", task.RepoURL)
		if _, err := e.run(ctx, target.ID, fmt.Sprintf("git clone %q %q", task.RepoURL, base)); err != nil {
			return nil, errors.Wrapf(err, "clone %s", task.RepoURL)
		}
	}

	if _, err := e.run(ctx, target.ID, fmt.Sprintf("git -C %q fetch --prune origin", base)); err != nil {
		// A stale base is still workable; fetch failures only warn.
		slog.Warn("executor: fetch failed", "project", task.Project, "error", err)
	}

	baseRef, err := e.resolveBaseRef(ctx, target.ID, base, task.SourceBranch)
	if err != nil {
		return nil, err
	}

	branch := "task/" + task.ShortID()
	wsPath := path.Join(e.cfg.BaseDir, ".workspaces", task.Project+"-"+task.ShortID())
	ws := &Workspace{Path: wsPath, Branch: branch, BaseRef: baseRef}

	if _, err := e.run(ctx, target.ID, fmt.Sprintf("git -C %q rev-parse --is-inside-work-tree", wsPath)); err == nil {
		// Worktree from a previous attempt; reuse it as-is.
		slog.Info("executor: reusing existing worktree", "taskID", task.ShortID(), "path", wsPath)
		return ws, e.materializeEnv(ctx, target, task.Project, wsPath)
	}

	cmd := fmt.Sprintf("git -C %q worktree add -b %q %q %q", base, branch, wsPath, baseRef)
	if _, err := e.run(ctx, target.ID, cmd); err != nil {
		// The branch may survive a deleted worktree; retry attached.
		retry := fmt.Sprintf("git -C %q worktree add %q %q", base, wsPath, branch)
		if _, retryErr := e.run(ctx, target.ID, retry); retryErr != nil {
			return nil, errors.Wrapf(err, "worktree add %s", branch)
		}
	}

	if e.cfg.ChownUser != "" && !target.IsWindows() {
		if _, err := e.run(ctx, target.ID, fmt.Sprintf("chown -R %q %q", e.cfg.ChownUser, wsPath)); err != nil {
			slog.Warn("executor: chown failed", "path", wsPath, "error", err)
		}
	}

	return ws, e.materializeEnv(ctx, target, task.Project, wsPath)
}

// resolveBaseRef picks the branch the task forks from: the requested
// source branch, else origin/main, else origin/master.
func (e *Executor) resolveBaseRef(ctx context.Context, targetID, base, sourceBranch string) (string, error) {
	candidates := []string{"origin/main", "origin/master"}
	if sourceBranch != "" {
		candidates = []string{"origin/" + sourceBranch, sourceBranch}
	}
	for _, ref := range candidates {
		cmd := fmt.Sprintf("git -C %q rev-parse --verify --quiet %q", base, ref)
		if _, err := e.run(ctx, targetID, cmd); err == nil {
			return ref, nil
		}
	}
	return "", errors.Errorf("no base ref found in %s (tried %s)", base, strings.Join(candidates, ", "))
}

// materializeEnv writes the project's synced .env into the worktree.
// Absent sync config or an empty key set is a no-op.
func (e *Executor) materializeEnv(ctx context.Context, target shell.Target, project, wsPath string) error {
	if e.envStore == nil {
		return nil
	}
	entries, err := e.envStore.Load(project, target.ID)
	if err != nil {
		return errors.Wrap(err, "load synced env")
	}
	if len(entries) == 0 {
		return nil
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(envsync.Render(entries)))
	var cmd string
	if target.IsWindows() {
		cmd = fmt.Sprintf(
			`[IO.File]::WriteAllBytes('%s',[Convert]::FromBase64String('%s'))`,
			strings.ReplaceAll(path.Join(wsPath, ".env"), "'", "''"), encoded)
	} else {
		cmd = fmt.Sprintf("echo %s | base64 -d > %q && chmod 600 %q",
			encoded, path.Join(wsPath, ".env"), path.Join(wsPath, ".env"))
	}
	if _, err := e.run(ctx, target.ID, cmd); err != nil {
		return errors.Wrap(err, "write .env")
	}
	return nil
}

// stagePrompt ships the prompt to the machine as base64 and returns the
// first-turn spawn command that pipes it into the engine.
func (e *Executor) stagePrompt(ctx context.Context, target shell.Target, ws *Workspace, engine session.Engine, prompt string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(prompt))
	promptPath := path.Join(ws.Path, ".task-prompt.md")

	if target.IsWindows() {
		// PowerShell has no cat-pipe spawn idiom worth fighting; decode
		// inline and pipe the string.
		return fmt.Sprintf(
			`Set-Location '%s'; $p=[Text.Encoding]::UTF8.GetString([Convert]::FromBase64String('%s')); $p | %s --ds --dp`,
			strings.ReplaceAll(ws.Path, "'", "''"), encoded, engine.Command), nil
	}

	stage := fmt.Sprintf("echo %s | base64 -d > %q", encoded, promptPath)
	if _, err := e.run(ctx, target.ID, stage); err != nil {
		return "", errors.Wrap(err, "stage prompt file")
	}
	return fmt.Sprintf("cd %q && cat %q | %s --ds --dp", ws.Path, promptPath, engine.Command), nil
}

// run executes one remote command and fails on nonzero exit.
func (e *Executor) run(ctx context.Context, targetID, command string) (string, error) {
	res, err := e.gateway.Exec(ctx, targetID, command, shell.ExecOptions{})
	if err != nil {
		return "", err
	}
	if !res.Success {
		return res.Stdout, errors.Errorf("command failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}
