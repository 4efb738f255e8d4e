// Package prompts contains the prompt text parley sends to models.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration (the persona) lives
// in config.yaml; this package holds the tool protocol instructions, the tool
// feedback format, and the loop's recovery messages.
//
// Convention: each prompt category gets its own file (system.go, feedback.go,
// agent.go) with an exported function that accepts the dynamic parts and
// returns the fully interpolated prompt string.
package prompts
