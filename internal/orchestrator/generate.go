package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/autorun-cli/autorun/internal/llm"
	"github.com/autorun-cli/autorun/internal/models"
)

const (
	minGeneratedSteps = 1
	maxGeneratedSteps = 10
	maxTitleLen       = 60
)

// planResponse is the JSON shape the generation collaborator is asked
// to return.
type planResponse struct {
	Steps []planStep `json:"steps"`
}

type planStep struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Tool             string `json:"tool"`
	RequiresApproval *bool  `json:"requires_approval"`
}

// stepDraft is a parsed step before persistence.
type stepDraft struct {
	Title            string
	Description      string
	Tool             models.StepTool
	RequiresApproval bool
}

// buildPlanPrompt constructs the system and user prompts for turning a
// free-text goal into a step list.
func buildPlanPrompt(goal, allowedResources string, maxSteps int, defaultRequiresApproval bool) (system string, user string) {
	system = fmt.Sprintf(`You decompose a user goal into an ordered execution plan. Return ONLY a JSON object of this exact shape:
{"steps":[{"title":"...","description":"...","tool":"...","requires_approval":false}]}

Rules:
- At most %d steps, in execution order
- "title": short imperative step title
- "description": what the step does and what output it should produce
- "tool": one of "web_surfer", "coder", "file_surfer", "mcp", "llm"
- "requires_approval": true only for steps that change external state (default %t)
- Return valid JSON only, no markdown fencing or explanation`, maxSteps, defaultRequiresApproval)

	var sb strings.Builder
	sb.WriteString("Goal:\n")
	sb.WriteString(goal)
	sb.WriteString("\n")
	if allowedResources != "" {
		sb.WriteString("\nOnly these resources may be used: ")
		sb.WriteString(allowedResources)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// GenerateSteps asks the generation collaborator to decompose a goal
// into steps and appends them to the plan. Collaborator failures and
// unusable output are recovered by falling back to line parsing and
// finally to a single placeholder step, so any non-empty goal always
// yields at least one step.
func (s *Service) GenerateSteps(ctx context.Context, sessionID, owner, goal string, maxSteps int, defaultRequiresApproval bool) ([]*models.Step, error) {
	sess, err := s.loadOwnedSession(ctx, sessionID, owner)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrPlanFinished, sess.Status)
	}
	if maxSteps < minGeneratedSteps {
		maxSteps = minGeneratedSteps
	}
	if maxSteps > maxGeneratedSteps {
		maxSteps = maxGeneratedSteps
	}

	var raw string
	if s.gen != nil {
		system, user := buildPlanPrompt(goal, sess.AllowedResources, maxSteps, defaultRequiresApproval)
		completion, err := s.gen.Complete(ctx, []llm.Message{llm.System(system), llm.User(user)})
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("generate steps: %w", ctx.Err())
			}
			raw = "" // collaborator failure is recovered below
		} else {
			raw = completion
		}
	}

	drafts := parseGeneratedSteps(raw, goal, maxSteps, defaultRequiresApproval)

	stepStatus := models.StepStatusDraft
	if sess.Status == models.SessionStatusExecuting {
		stepStatus = models.StepStatusReady
	}

	max, err := s.store.MaxStepSeq(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("generate steps: %w", err)
	}

	steps := make([]*models.Step, 0, len(drafts))
	for i, d := range drafts {
		step := &models.Step{
			SessionID:        sessionID,
			Seq:              max + i + 1,
			Title:            d.Title,
			Description:      d.Description,
			Status:           stepStatus,
			RequiresApproval: d.RequiresApproval,
			ToolName:         string(d.Tool),
		}
		if err := s.store.CreateStep(ctx, step); err != nil {
			return nil, fmt.Errorf("generate steps: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// parseGeneratedSteps turns raw collaborator output into step drafts.
// Stage one is a strict JSON decode; stage two treats each non-blank
// line as a step; stage three synthesizes a single analyze-and-report
// step so the result is never empty.
func parseGeneratedSteps(raw, goal string, maxSteps int, defaultRequiresApproval bool) []stepDraft {
	drafts := parseJSONSteps(raw, maxSteps, defaultRequiresApproval)
	if len(drafts) == 0 {
		drafts = parseLineSteps(raw, maxSteps, defaultRequiresApproval)
	}
	if len(drafts) == 0 {
		drafts = []stepDraft{{
			Title:            "Analyze the goal and report findings",
			Description:      goal,
			Tool:             models.StepToolLLM,
			RequiresApproval: defaultRequiresApproval,
		}}
	}
	return drafts
}

func parseJSONSteps(raw string, maxSteps int, defaultRequiresApproval bool) []stepDraft {
	var resp planResponse
	if err := json.Unmarshal([]byte(llm.StripFences(raw)), &resp); err != nil {
		return nil
	}

	var drafts []stepDraft
	for _, s := range resp.Steps {
		if len(drafts) == maxSteps {
			break
		}
		title := strings.TrimSpace(s.Title)
		if title == "" {
			title = "Untitled step"
		}
		desc := strings.TrimSpace(s.Description)
		if desc == "" {
			desc = title
		}
		requires := defaultRequiresApproval
		if s.RequiresApproval != nil {
			requires = *s.RequiresApproval
		}
		drafts = append(drafts, stepDraft{
			Title:            truncateTitle(title),
			Description:      desc,
			Tool:             models.NormalizeTool(strings.TrimSpace(s.Tool)),
			RequiresApproval: requires,
		})
	}
	return drafts
}

func parseLineSteps(raw string, maxSteps int, defaultRequiresApproval bool) []stepDraft {
	var drafts []stepDraft
	for _, line := range strings.Split(raw, "\n") {
		if len(drafts) == maxSteps {
			break
		}
		line = stripBullet(line)
		if line == "" {
			continue
		}
		drafts = append(drafts, stepDraft{
			Title:            truncateTitle(line),
			Description:      line,
			Tool:             models.StepToolLLM,
			RequiresApproval: defaultRequiresApproval,
		})
	}
	return drafts
}

// stripBullet removes leading list markers ("-", "*", "•", "1.", "2)")
// from a line.
func stripBullet(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimLeft(line, "-*•")
	line = strings.TrimSpace(line)

	// Numbered prefixes
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		line = line[i+1:]
	}
	return strings.TrimSpace(line)
}

// truncateTitle caps a title at maxTitleLen runes, appending an
// ellipsis when it was cut.
func truncateTitle(s string) string {
	if utf8.RuneCountInString(s) <= maxTitleLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxTitleLen-3]) + "..."
}
