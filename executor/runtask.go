package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/codefleet/chat"
	"github.com/hrygo/codefleet/metrics"
	"github.com/hrygo/codefleet/session"
	"github.com/hrygo/codefleet/store"
)

// runTask drives one claimed task to a terminal status. Every failure
// path persists an error message; the row never stays claimed.
func (e *Executor) runTask(ctx context.Context, task *store.Task, machineID string) {
	target, ok := e.gateway.Target(machineID)
	if !ok {
		e.failTask(ctx, task, errors.Errorf("machine %s has no shell target", machineID))
		return
	}

	if task.ThreadID == 0 {
		threadID, err := e.facade.OpenTopic(ctx, taskTitle(task), task.ID)
		if err != nil {
			slog.Warn("executor: topic open failed", "taskID", task.ShortID(), "error", err)
		} else {
			task.ThreadID = threadID
			if _, err := e.store.UpdateTask(ctx, &store.UpdateTask{ID: task.ID, ThreadID: &threadID}); err != nil {
				slog.Warn("executor: thread persist failed", "taskID", task.ShortID(), "error", err)
			}
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeatTask(hbCtx, task.ID)

	ws, err := e.prepareWorkspace(ctx, task, target)
	if errors.Is(err, ErrNoRepo) {
		repoURL, flowErr := e.resolveNoRepo(ctx, task, target)
		if flowErr != nil {
			e.failTask(ctx, task, flowErr)
			return
		}
		task.RepoURL = repoURL
		if _, uerr := e.store.UpdateTask(ctx, &store.UpdateTask{ID: task.ID, RepoURL: &repoURL}); uerr != nil {
			slog.Warn("executor: repo url persist failed", "taskID", task.ShortID(), "error", uerr)
		}
		ws, err = e.prepareWorkspace(ctx, task, target)
	}
	if err != nil {
		e.failTask(ctx, task, errors.Wrap(err, "prepare workspace"))
		return
	}

	running := store.TaskRunning
	if _, err := e.store.UpdateTask(ctx, &store.UpdateTask{
		ID: task.ID, Status: &running, WorkspacePath: &ws.Path,
	}); err != nil {
		e.failTask(ctx, task, errors.Wrap(err, "mark running"))
		return
	}

	prompt, err := e.buildPrompt(ctx, task)
	if err != nil {
		e.failTask(ctx, task, errors.Wrap(err, "build prompt"))
		return
	}
	engine, fallbacks := e.enginesFor(ctx, machineID, task.ModelHint)
	firstTurn, err := e.stagePrompt(ctx, target, ws, engine, prompt)
	if err != nil {
		e.failTask(ctx, task, errors.Wrap(err, "stage prompt"))
		return
	}

	timeout := e.cfg.TaskTimeout
	if e.hinter != nil {
		if verdict, cerr := e.hinter.Classify(ctx, task.Description); cerr != nil {
			slog.Warn("executor: difficulty classification failed", "taskID", task.ShortID(), "error", cerr)
		} else {
			timeout = timeoutFor(verdict, timeout)
			slog.Info("executor: task classified",
				"taskID", task.ShortID(), "difficulty", verdict, "timeout", timeout)
		}
	}

	cfg := session.Config{
		SessionID:        task.ShortID(),
		TaskID:           task.ID,
		ThreadID:         task.ThreadID,
		TargetID:         machineID,
		WorkDir:          ws.Path,
		Prompt:           task.Description,
		Engine:           engine,
		Fallbacks:        fallbacks,
		Mode:             e.cfg.SessionMode,
		Timeout:          timeout,
		FirstTurnCommand: firstTurn,
		Hooks: session.Hooks{
			OnRunning: func() {
				e.setStatus(ctx, task.ID, store.TaskRunning)
			},
			OnWaiting: func(turn int) {
				e.setStatus(ctx, task.ID, store.TaskWaitingInput)
			},
		},
	}

	result, err := e.sessions.Run(ctx, cfg)
	stopHeartbeat()
	if err != nil {
		if ctx.Err() != nil {
			e.concludeCancelled(task)
			return
		}
		e.failTask(ctx, task, errors.Wrap(err, "session"))
		return
	}

	e.finishTask(ctx, task, machineID, ws, result)
}

// heartbeatTask refreshes started_at until its context is cancelled.
func (e *Executor) heartbeatTask(ctx context.Context, taskID string) {
	ticker := time.NewTicker(TaskHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.HeartbeatTask(ctx, taskID); err != nil {
				slog.Warn("executor: task heartbeat failed", "taskID", taskID, "error", err)
			}
		}
	}
}

// finishTask runs the post-session git pipeline and persists the
// terminal row.
func (e *Executor) finishTask(ctx context.Context, task *store.Task, machineID string, ws *Workspace, result *session.Result) {
	status := store.TaskCompleted
	errorMessage := ""
	switch {
	case result.WaitTimedOut:
		status = store.TaskFailed
		errorMessage = fmt.Sprintf("no user reply after %d turn(s), session abandoned", result.Turns)
	case result.TimedOut:
		status = store.TaskTimeout
		errorMessage = fmt.Sprintf("session timed out after %s", result.Duration.Round(time.Second))
	case result.ExitCode != 0:
		status = store.TaskFailed
		errorMessage = fmt.Sprintf("engine %s exited with code %d", result.Engine.Name, result.ExitCode)
	}

	// Commit and push whatever the engine left behind regardless of how
	// the session ended, so partial work survives timeouts and failures.
	// A push failure only changes the verdict of a completed run.
	var prURL string
	var filesChanged []string
	outcome, gitErr := e.finalizeGit(ctx, machineID, ws, task)
	if gitErr != nil {
		slog.Warn("executor: git finalize failed", "taskID", task.ShortID(), "error", gitErr)
		if status == store.TaskCompleted {
			status = store.TaskFailed
			errorMessage = fmt.Sprintf("push failed: %v", gitErr)
		}
	} else {
		prURL = outcome.PRURL
		filesChanged = outcome.FilesChanged
	}

	summary := result.Transcript.Summary(session.SummaryLimit)
	sessionID := result.Engine.Name
	update := &store.UpdateTask{
		ID:            task.ID,
		Status:        &status,
		ResultSummary: &summary,
		SessionID:     &sessionID,
		FilesChanged:  filesChanged,
	}
	if prURL != "" {
		update.PRURL = &prURL
	}
	if errorMessage != "" {
		update.ErrorMessage = &errorMessage
	}
	if _, err := e.store.UpdateTask(ctx, update); err != nil {
		slog.Error("executor: terminal update failed", "taskID", task.ShortID(), "error", err)
	}
	metrics.TasksCompleted.WithLabelValues(string(status)).Inc()

	e.announceOutcome(ctx, task, status, prURL, filesChanged, errorMessage)

	if status == store.TaskCompleted && summary != "" {
		if err := e.memories.Remember(ctx, task.Project, summary); err != nil {
			slog.Warn("executor: memory write failed", "taskID", task.ShortID(), "error", err)
		}
	}

	slog.Info("executor: task finished",
		"taskID", task.ShortID(), "status", status,
		"engine", result.Engine.Name, "turns", result.Turns,
		"duration", result.Duration.Round(time.Second))
}

// announceOutcome updates the topic title and posts the closing
// message. Topic operations are best effort.
func (e *Executor) announceOutcome(ctx context.Context, task *store.Task, status store.TaskStatus, prURL string, filesChanged []string, errorMessage string) {
	if task.ThreadID != 0 {
		badge := "❌"
		if status == store.TaskCompleted {
			badge = "✅"
		}
		title := fmt.Sprintf("%s %s %s", badge, task.ShortID(), status)
		if err := e.facade.RenameTopic(ctx, task.ThreadID, title); err != nil {
			slog.Warn("executor: topic rename failed", "taskID", task.ShortID(), "error", err)
		}
	}

	var text string
	switch status {
	case store.TaskCompleted:
		text = fmt.Sprintf("✅ Task %s completed, %d file(s) changed.", task.ShortID(), len(filesChanged))
		if prURL != "" {
			text += "\nPR: " + prURL
		}
	case store.TaskTimeout:
		text = fmt.Sprintf("⏱ Task %s timed out.", task.ShortID())
	default:
		text = fmt.Sprintf("❌ Task %s failed: %s", task.ShortID(), errorMessage)
	}
	e.say(ctx, task.ThreadID, text)

	if status == store.TaskCompleted && task.ThreadID != 0 {
		if err := e.facade.CloseTopic(ctx, task.ThreadID); err != nil {
			slog.Warn("executor: topic close failed", "taskID", task.ShortID(), "error", err)
		}
	}
}

// failTask moves the row to failed with the error message recorded.
func (e *Executor) failTask(ctx context.Context, task *store.Task, cause error) {
	if ctx.Err() != nil {
		e.concludeCancelled(task)
		return
	}
	slog.Error("executor: task failed", "taskID", task.ShortID(), "error", cause)
	status := store.TaskFailed
	message := cause.Error()
	if _, err := e.store.UpdateTask(ctx, &store.UpdateTask{
		ID: task.ID, Status: &status, ErrorMessage: &message,
	}); err != nil {
		slog.Error("executor: failure persist failed", "taskID", task.ShortID(), "error", err)
	}
	metrics.TasksCompleted.WithLabelValues(string(store.TaskFailed)).Inc()
	e.say(ctx, task.ThreadID, fmt.Sprintf("❌ Task %s failed: %s", task.ShortID(), message))
}

// concludeCancelled records cancellation with a background context so
// the row is not left claimed after shutdown.
func (e *Executor) concludeCancelled(task *store.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.store.CancelTask(ctx, task.ID); err != nil {
		slog.Warn("executor: cancel persist failed", "taskID", task.ShortID(), "error", err)
	}
	metrics.TasksCompleted.WithLabelValues(string(store.TaskCancelled)).Inc()
}

// enginesFor resolves the engine order for one task: the engine the
// task was queued with, then the machine's stored priority, then the
// configured default.
func (e *Executor) enginesFor(ctx context.Context, machineID, engineHint string) (session.Engine, []session.Engine) {
	primary := e.cfg.DefaultEngine
	if primary.Name == "" {
		primary = session.Claude
	}
	order := []session.Engine{session.Claude, session.Codex, session.Gemini}

	if machine, err := e.store.GetMachine(ctx, machineID); err == nil && machine != nil && len(machine.EnginePriority) > 0 {
		var resolved []session.Engine
		for _, name := range machine.EnginePriority {
			engine, err := session.EngineByName(name)
			if err != nil {
				slog.Warn("executor: unknown engine in machine priority", "machine", machineID, "engine", name)
				continue
			}
			resolved = append(resolved, engine)
		}
		if len(resolved) > 0 {
			primary = resolved[0]
			order = resolved
		}
	}

	if engineHint != "" {
		if engine, err := session.EngineByName(engineHint); err == nil {
			primary = engine
		}
	}

	var fallbacks []session.Engine
	for _, engine := range order {
		if engine.Name != primary.Name {
			fallbacks = append(fallbacks, engine)
		}
	}
	return primary, fallbacks
}

// say posts an owner notice. Thread 0 lands in the main chat, so tasks
// that failed before their topic existed still reach somebody.
func (e *Executor) say(ctx context.Context, threadID int64, text string) {
	if _, err := e.facade.Announce(ctx, &chat.Outgoing{ThreadID: threadID, Text: text}); err != nil {
		slog.Warn("executor: message send failed", "threadID", threadID, "error", err)
	}
}
