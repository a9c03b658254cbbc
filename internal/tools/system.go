package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mfukushim/avatar-shell-sub000/internal/config"
)

// SystemCatalog is the builtin catalog: timers and the clock.
type SystemCatalog struct{}

func (SystemCatalog) Name() string { return "system" }

func (SystemCatalog) ListTools() []Descriptor {
	return []Descriptor{
		{
			Name:        "set_timer",
			Description: "Run a prompt once after the given number of minutes.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"minutes": map[string]any{"type": "number", "description": "Delay in minutes"},
					"prompt":  map[string]any{"type": "string", "description": "What to think about when the timer fires"},
				},
				"required": []string{"minutes", "prompt"},
			},
		},
		{
			Name:        "current_time",
			Description: "Current local date and time.",
		},
	}
}

func (c SystemCatalog) Invoke(ctx context.Context, tool string, input map[string]any) (*Result, error) {
	switch tool {
	case "set_timer":
		return setTimer(ctx, input)
	case "current_time":
		return NewResult(ClockFromCtx(ctx).Now().Format(time.RFC3339)), nil
	}
	return nil, fmt.Errorf("system: unknown tool %q", tool)
}

func setTimer(ctx context.Context, input map[string]any) (*Result, error) {
	q := TimerQueueFromCtx(ctx)
	if q == nil {
		return nil, fmt.Errorf("set_timer: no scheduler for this call")
	}
	minutes, ok := input["minutes"].(float64)
	if !ok || minutes <= 0 {
		return ErrorResult("set_timer: minutes must be a positive number"), nil
	}
	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		return ErrorResult("set_timer: prompt is required"), nil
	}

	def := config.DaemonDefinition{
		ID:      "adhoc:" + uuid.NewString(),
		Name:    "set_timer",
		Enabled: true,
		Trigger: config.DaemonTrigger{
			Kind:      config.TriggerOneShotMinutes,
			Condition: config.TriggerCondition{Minutes: minutes},
		},
		Action: config.DaemonAction{
			Generator: GeneratorFromCtx(ctx),
			Template:  prompt,
		},
	}
	q.Enqueue(def)
	return NewResult(fmt.Sprintf("timer set for %g minutes", minutes)), nil
}
