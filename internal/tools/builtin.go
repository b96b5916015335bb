package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	lctools "github.com/tmc/langchaingo/tools"
)

// Builtins returns the static tools that need no external services.
// clock supplies the current time; nil means time.Now.
func Builtins(clock func() time.Time, calculator bool) []*Definition {
	if clock == nil {
		clock = time.Now
	}
	defs := []*Definition{
		weatherTool(),
		localTimeTool(clock),
	}
	if calculator {
		defs = append(defs, FromLangchain(lctools.Calculator{}, "expression"))
	}
	return defs
}

// weatherTool reports the weather for a city. It has side effects on a
// real deployment, so it waits for the user to confirm.
func weatherTool() *Definition {
	return &Definition{
		Name:        "getWeatherInformation",
		Description: "Show the weather in a given city to the user",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"city": map[string]any{
					"type":        "string",
					"description": "City name, e.g. Austin",
				},
			},
			"required": []string{"city"},
		},
		RequiresConfirmation: true,
		Source:               SourceStatic,
		Execute: func(_ context.Context, args map[string]any) (string, error) {
			city, _ := args["city"].(string)
			if strings.TrimSpace(city) == "" {
				return "", fmt.Errorf("city is required")
			}
			return fmt.Sprintf("The weather in %s is sunny", city), nil
		},
	}
}

func localTimeTool(clock func() time.Time) *Definition {
	return &Definition{
		Name:        "getLocalTime",
		Description: "Get the local time for a specified location. Accepts an IANA time zone such as America/Chicago.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{
					"type":        "string",
					"description": "IANA time zone name",
				},
			},
			"required": []string{"location"},
		},
		Source: SourceStatic,
		Execute: func(_ context.Context, args map[string]any) (string, error) {
			location, _ := args["location"].(string)
			if location == "" {
				return "", fmt.Errorf("location is required")
			}
			loc, err := time.LoadLocation(location)
			if err != nil {
				return "", fmt.Errorf("unknown location %q: %w", location, err)
			}
			return clock().In(loc).Format("Monday 2006-01-02 15:04 MST"), nil
		},
	}
}

// FromLangchain adapts a langchaingo tool, which takes a single string,
// to a Definition whose schema exposes that string as argName.
func FromLangchain(t lctools.Tool, argName string) *Definition {
	return &Definition{
		Name:        t.Name(),
		Description: t.Description(),
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				argName: map[string]any{"type": "string"},
			},
			"required": []string{argName},
		},
		Source: SourceStatic,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			input, _ := args[argName].(string)
			return t.Call(ctx, input)
		},
	}
}
