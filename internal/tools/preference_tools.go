package tools

import (
	"context"
	"fmt"
)

// PreferenceWriter stores a single user preference.
type PreferenceWriter interface {
	SetPreference(ctx context.Context, userID, key string, value any) error
}

// PreferenceTool returns the remember_preference tool, which records a
// preference for the user whose turn is running.
func PreferenceTool(w PreferenceWriter) Tool {
	return &FuncTool{
		ToolName: "remember_preference",
		ToolDescription: "Remember a preference the user has stated so future replies respect it. " +
			"Well-known keys: tone, topics, schedule, tool_preferences; other keys are allowed.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{
					"type":        "string",
					"minLength":   1,
					"description": "Preference name, e.g. tone",
				},
				"value": map[string]any{
					"description": "Preference value: text, list, or object",
				},
			},
			"required":             []string{"key", "value"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			userID := UserIDFromContext(ctx)
			if userID == "" {
				return Fail("no user is associated with this conversation"), nil
			}
			key, _ := args["key"].(string)
			if err := w.SetPreference(ctx, userID, key, args["value"]); err != nil {
				return Result{}, fmt.Errorf("store preference %q: %w", key, err)
			}
			return OK(fmt.Sprintf("Remembered %s for this user.", key)), nil
		},
	}
}
