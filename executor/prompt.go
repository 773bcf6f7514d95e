package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/codefleet/store"
)

// behaviorRules are appended to every task prompt so the engine
// commits, pushes and opens a PR on its own when it can.
const behaviorRules = `## Rules

- Work only inside the current directory.
- Run the project's tests before declaring the task done.
- Commit your changes with a conventional commit message.
- If the gh CLI is available, push the branch and open a pull request.
- Never force-push and never touch branches other than the current one.
- Finish with a short summary of what changed.`

// buildPrompt assembles the engine prompt: project header, the task
// description, behavior rules, then relevant memory snippets.
func (e *Executor) buildPrompt(ctx context.Context, task *store.Task) (string, error) {
	if task.Description == "" {
		return "", errors.New("task has no description")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", task.Project)
	if task.TargetBranch != "" {
		fmt.Fprintf(&b, "Target branch: %s\n", task.TargetBranch)
	}
	b.WriteString("\n## Task\n\n")
	b.WriteString(task.Description)
	b.WriteString("\n\n")
	b.WriteString(behaviorRules)

	hits, err := e.memories.Search(ctx, task.Project, task.Description, memoryTopK)
	if err != nil {
		// Memory is enrichment only; the task proceeds without it.
		slog.Warn("executor: memory search failed", "taskID", task.ShortID(), "error", err)
	}
	if len(hits) > 0 {
		b.WriteString("\n\n## Notes from earlier tasks\n")
		for _, hit := range hits {
			fmt.Fprintf(&b, "\n- %s", strings.TrimSpace(hit.Content))
		}
	}
	return b.String(), nil
}

// Classifier asks a chat model for a difficulty-based model hint.
type Classifier struct {
	client *openai.Client
	model  string
}

func NewClassifier(apiKey, model string) *Classifier {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &Classifier{client: openai.NewClient(apiKey), model: model}
}

const classifierSystem = `Classify the coding task as "simple", "standard" or "hard".
Reply with exactly one of those three words and nothing else.`

// Classify returns a model hint for the task, or "" when the verdict
// is unusable. Callers treat every error as advisory.
func (c *Classifier) Classify(ctx context.Context, description string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierSystem},
			{Role: openai.ChatMessageRoleUser, Content: description},
		},
		MaxTokens:   4,
		Temperature: 0,
	})
	if err != nil {
		return "", errors.Wrap(err, "classify task")
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("classifier returned no choices")
	}
	verdict := strings.ToLower(strings.TrimSpace(resp.Choices[0].Message.Content))
	switch verdict {
	case "simple", "standard", "hard":
		return verdict, nil
	}
	return "", errors.Errorf("unexpected classifier verdict %q", verdict)
}

// timeoutFor scales the session timeout by the classified difficulty.
func timeoutFor(verdict string, base time.Duration) time.Duration {
	switch verdict {
	case "simple":
		return base / 2
	case "hard":
		return base * 2
	}
	return base
}
