package domain

import (
	"fmt"
	"regexp"
	"time"
)

var functionNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.-]*$`)

// ValidateFunctionName enforces the accepted function name format.
func ValidateFunctionName(name string) error {
	if name == "" {
		return fmt.Errorf("name is required")
	}
	if !functionNamePattern.MatchString(name) {
		return fmt.Errorf("invalid name %q: must match %s", name, functionNamePattern.String())
	}
	return nil
}

// ExecutionReason records why a function instance ran.
type ExecutionReason string

const (
	ReasonAutomaticTrigger ExecutionReason = "automatic"
	ReasonHostCall         ExecutionReason = "host_call"
	ReasonReplay           ExecutionReason = "replay"
	ReasonRunOnStartup     ExecutionReason = "run_on_startup"
)

// FunctionDescriptor is the public description of an indexed function.
type FunctionDescriptor struct {
	ID                 string                `json:"id"`
	Name               string                `json:"name"`
	Trigger            string                `json:"trigger,omitempty"`
	TriggerParameter   string                `json:"trigger_parameter,omitempty"`
	Batch              bool                  `json:"batch,omitempty"`
	NoAutomaticTrigger bool                  `json:"no_automatic_trigger,omitempty"`
	Parameters         []ParameterDescriptor `json:"parameters"`
}

// ParameterDescriptor describes one parameter for tooling and for direct
// calls: what it binds to and what a caller is expected to supply.
type ParameterDescriptor struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Kind         string `json:"kind"`
	Description  string `json:"description"`
	Prompt       string `json:"prompt,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
}

// FunctionInstance is the record of one execution, enough to replay it.
type FunctionInstance struct {
	ID            string            `json:"id"`
	FunctionID    string            `json:"function_id"`
	FunctionName  string            `json:"function_name"`
	Reason        ExecutionReason   `json:"reason"`
	ParentID      string            `json:"parent_id,omitempty"`
	TraceID       string            `json:"trace_id,omitempty"`
	Arguments     map[string]string `json:"arguments"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	Succeeded     bool              `json:"succeeded"`
	Error         string            `json:"error,omitempty"`
	ParameterLogs map[string]string `json:"parameter_logs,omitempty"`
	ConsoleOutput string            `json:"console_output,omitempty"`
}

// Duration returns the wall time of the instance.
func (f *FunctionInstance) Duration() time.Duration {
	return f.EndTime.Sub(f.StartTime)
}
