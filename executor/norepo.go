package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/shell"
	"github.com/hrygo/codefleet/store"
)

// noRepoWait bounds how long the no-repo question stays open.
const noRepoWait = 5 * time.Minute

// resolveNoRepo asks the user what to do when the project has no base
// clone and no repo URL: create a private repo under the project name,
// use a custom name, or cancel. Blocks up to noRepoWait for the reply.
func (e *Executor) resolveNoRepo(ctx context.Context, task *store.Task, target shell.Target) (string, error) {
	if task.ThreadID == 0 {
		return "", errors.Wrap(ErrNoRepo, "no chat thread to ask on")
	}

	inbox := make(chan string, 1)
	e.mu.Lock()
	e.replies[task.ThreadID] = inbox
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.replies, task.ThreadID)
		e.mu.Unlock()
	}()

	e.say(ctx, task.ThreadID, fmt.Sprintf(
		"📂 No repository found for project %q on %s.\n"+
			"Reply 'create' to create a private repo with that name, "+
			"reply with a custom repo name, or 'cancel' to stop.",
		task.Project, target.ID))

	var reply string
	select {
	case reply = <-inbox:
	case <-time.After(noRepoWait):
		return "", errors.Wrap(ErrNoRepo, "no answer within 5 minutes")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	reply = strings.TrimSpace(reply)
	switch strings.ToLower(reply) {
	case "cancel", "":
		return "", errors.Wrap(ErrNoRepo, "cancelled by user")
	case "create":
		return e.createRepo(ctx, target, task.Project)
	default:
		return e.createRepo(ctx, target, reply)
	}
}

// createRepo creates a private repository through the gh CLI on the
// target machine and returns its clone URL.
func (e *Executor) createRepo(ctx context.Context, target shell.Target, name string) (string, error) {
	if strings.ContainsAny(name, " \t\"'$`\\") {
		return "", errors.Errorf("invalid repository name %q", name)
	}
	out, err := e.run(ctx, target.ID, fmt.Sprintf("gh repo create %q --private", name))
	if err != nil {
		return "", errors.Wrapf(err, "create repository %s", name)
	}
	for _, line := range strings.Fields(out) {
		if strings.HasPrefix(line, "https://") {
			return strings.TrimSuffix(line, "/") + ".git", nil
		}
	}
	// gh prints the repo path on some versions; derive the URL.
	owner, err := e.run(ctx, target.ID, "gh api user --jq .login")
	if err != nil {
		return "", errors.Wrap(err, "resolve repository owner")
	}
	return fmt.Sprintf("https://github.com/%s/%s.git", strings.TrimSpace(owner), name), nil
}
