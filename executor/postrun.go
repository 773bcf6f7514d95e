package executor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/hrygo/codefleet/store"
)

// GitOutcome is what the post-session pipeline extracted.
type GitOutcome struct {
	PRURL        string
	FilesChanged []string
	Committed    bool
	Pushed       bool
}

var prURLPattern = regexp.MustCompile(`https://\S+/pull/\d+`)

const commitSubjectLimit = 72

// finalizeGit commits anything the engine left uncommitted, pushes the
// task branch and collects the PR URL plus changed files. The engine
// usually does all of this itself; every step here is a backstop.
func (e *Executor) finalizeGit(ctx context.Context, targetID string, ws *Workspace, task *store.Task) (*GitOutcome, error) {
	outcome := &GitOutcome{}

	porcelain, err := e.run(ctx, targetID, fmt.Sprintf("git -C %q status --porcelain", ws.Path))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(porcelain) != "" {
		message := commitMessage(task.Description)
		commit := fmt.Sprintf("git -C %q add -A && git -C %q commit -m %q", ws.Path, ws.Path, message)
		if _, err := e.run(ctx, targetID, commit); err != nil {
			return nil, err
		}
		outcome.Committed = true
	}

	// Nothing to push when the branch never diverged from its base.
	ahead, err := e.run(ctx, targetID,
		fmt.Sprintf("git -C %q rev-list --count %s..HEAD", ws.Path, ws.BaseRef))
	if err == nil && strings.TrimSpace(ahead) == "0" {
		return outcome, nil
	}

	pushOut, err := e.run(ctx, targetID, fmt.Sprintf("git -C %q push -u origin HEAD", ws.Path))
	if err != nil {
		return nil, err
	}
	outcome.Pushed = true
	outcome.PRURL = firstPRURL(pushOut)

	if outcome.PRURL == "" {
		// gh is optional on workers; a missing binary is not a failure.
		prOut, err := e.run(ctx, targetID,
			fmt.Sprintf("cd %q && gh pr create --fill 2>&1 || true", ws.Path))
		if err == nil {
			outcome.PRURL = firstPRURL(prOut)
		}
	}

	diffOut, err := e.run(ctx, targetID,
		fmt.Sprintf("git -C %q diff --name-only %s...HEAD", ws.Path, ws.BaseRef))
	if err != nil {
		slog.Warn("executor: changed-file listing failed", "taskID", task.ShortID(), "error", err)
	} else {
		outcome.FilesChanged = parseFileList(diffOut)
	}
	return outcome, nil
}

// firstPRURL extracts the first pull-request URL from command output.
func firstPRURL(output string) string {
	return prURLPattern.FindString(output)
}

// commitMessage builds a conventional commit subject from the task
// description, bounded at 72 characters.
func commitMessage(description string) string {
	subject := strings.TrimSpace(description)
	if i := strings.IndexAny(subject, "\r\n"); i >= 0 {
		subject = subject[:i]
	}
	subject = "feat: " + subject
	if len(subject) > commitSubjectLimit {
		subject = strings.TrimSpace(subject[:commitSubjectLimit-1]) + "…"
	}
	return subject
}

// parseFileList splits name-only git output into a clean slice.
func parseFileList(output string) []string {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}
