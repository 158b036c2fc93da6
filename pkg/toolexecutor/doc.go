// Package toolexecutor holds the tool registry, the per-turn catalog filter,
// the approval vocabulary and the dispatcher that runs one tool call.
//
// Invariants:
// - Tool names are unique within a ToolRegistry.
// - Arguments are schema-validated before a handler runs.
// - Dispatch never panics or returns a Go error to the caller: every outcome
//   is a Result, either Success or Failure with an ErrorKind.
// - The catalog fails closed: when entitlements cannot be read, the affected
//   tools are withheld for that turn.
//
// Usage:
//
//	reg := toolexecutor.NewToolRegistry()
//	_ = reg.Register(toolexecutor.RegistryEntry{
//		Definition: toolexecutor.ToolDefinition{
//			Name:        "list_events",
//			Description: "List calendar events",
//			Handler:     listEvents,
//		},
//		Requirement: toolexecutor.RequiresCapability(entitlement.CapabilityCalendar),
//	})
//	exec, _ := toolexecutor.New(toolexecutor.Config{Registry: reg, Logger: logger})
//	result := exec.Dispatch(ctx, "list_events", `{}`)
package toolexecutor
