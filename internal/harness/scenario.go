package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/testutil"
)

// Scenario defines a workflow scenario.
// A scenario appends record versions, drives the dispatcher, the clock and
// the recovery sweep, and then asserts on the activity trace and the final
// state of the store.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the test workflow configuration.
	Config ConfigOverrides `yaml:"config,omitempty"`

	// Profiles maps identities to their email address. An empty address
	// registers a profile that cannot receive email.
	Profiles map[string]string `yaml:"profiles,omitempty"`

	// Collaborators scripts the answers of the external services.
	Collaborators Collaborators `yaml:"collaborators,omitempty"`

	// Flow is the list of steps to execute, in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state, result
	Assertions []Assertion `yaml:"assertions"`
}

// ConfigOverrides changes the defaults of testutil.Config.
type ConfigOverrides struct {
	GracePeriod   string   `yaml:"grace_period,omitempty"`
	PollInterval  string   `yaml:"poll_interval,omitempty"`
	InstantDelete []string `yaml:"instant_delete,omitempty"`
}

// Collaborators holds scripted answers, consumed in order. Once a script
// runs out the service succeeds. Error scripts use "" for success.
type Collaborators struct {
	Lock    []int    `yaml:"lock,omitempty"`
	Unlock  []int    `yaml:"unlock,omitempty"`
	Notify  []int    `yaml:"notify,omitempty"`
	Feed    []string `yaml:"feed,omitempty"`
	Delete  []string `yaml:"delete,omitempty"`
	Extract []string `yaml:"extract,omitempty"`
	Mail    []string `yaml:"mail,omitempty"`

	// FailureReasons replaces the reason lookup of the recovery workflow
	// for the listed identities.
	FailureReasons map[string]string `yaml:"failure_reasons,omitempty"`
}

// FlowStep is one step of the flow. Exactly one field must be set.
type FlowStep struct {
	// Append writes a new record version.
	Append *RecordArgs `yaml:"append,omitempty"`

	// Dispatch feeds every unread change to the dispatcher and runs the
	// started work.
	Dispatch bool `yaml:"dispatch,omitempty"`

	// Advance moves the clock forward and runs what became due.
	Advance string `yaml:"advance,omitempty"`

	// Sweep starts recovery for failed requests and runs it.
	Sweep bool `yaml:"sweep,omitempty"`

	// Restart replaces the runtime as a process restart would.
	Restart bool `yaml:"restart,omitempty"`
}

// RecordArgs describes a record version to append.
type RecordArgs struct {
	Operation string `yaml:"operation"`
	Identity  string `yaml:"identity"`
	Status    string `yaml:"status"`
	Reason    string `yaml:"reason,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check a call appears in the trace
	// - "trace_order": Check calls appear in order
	// - "trace_count": Check a call appears exactly N times
	// - "final_state": Query a table or view and verify expected values
	// - "result": Check the result of an orchestration instance
	Type string `yaml:"type"`

	// Instance restricts trace assertions to one instance and names the
	// instance for result.
	Instance string `yaml:"instance,omitempty"`

	// Action is the rendered call, e.g. "SessionLock(UNLOCK)".
	Action string `yaml:"action,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected call order (used by trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Table is the table or view name (used by final_state).
	Table string `yaml:"table,omitempty"`

	// Where specifies query filters (used by final_state).
	Where map[string]interface{} `yaml:"where,omitempty"`

	// Expect contains expected column values (used by final_state).
	// Subset match - only specified columns are validated.
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Absent asserts that no row matches (used by final_state).
	Absent bool `yaml:"absent,omitempty"`

	// Outcome is the rendered instance result, e.g. "SUCCESS/COMPLETED".
	Outcome string `yaml:"outcome,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertResult        = "result"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// OrchestratorConfig returns the workflow configuration the scenario runs
// with.
func (s *Scenario) OrchestratorConfig() (orchestrator.Config, error) {
	conf := testutil.Config()
	if s.Config.GracePeriod != "" {
		d, err := time.ParseDuration(s.Config.GracePeriod)
		if err != nil {
			return conf, fmt.Errorf("config.grace_period: %w", err)
		}
		conf.GracePeriod = d
	}
	if s.Config.PollInterval != "" {
		d, err := time.ParseDuration(s.Config.PollInterval)
		if err != nil {
			return conf, fmt.Errorf("config.poll_interval: %w", err)
		}
		conf.DependencyPollInterval = d
	}
	conf.InstantDelete = s.Config.InstantDelete
	return conf, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if _, err := s.OrchestratorConfig(); err != nil {
		return err
	}

	for i, step := range s.Flow {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

func validateStep(index int, step FlowStep) error {
	set := 0
	if step.Append != nil {
		set++
		if _, err := record.ParseOperation(step.Append.Operation); err != nil {
			return fmt.Errorf("flow[%d].append: %w", index, err)
		}
		if step.Append.Identity == "" {
			return fmt.Errorf("flow[%d].append: identity is required", index)
		}
		if step.Append.Status == "" {
			return fmt.Errorf("flow[%d].append: status is required", index)
		}
	}
	if step.Dispatch {
		set++
	}
	if step.Advance != "" {
		set++
		if _, err := time.ParseDuration(step.Advance); err != nil {
			return fmt.Errorf("flow[%d].advance: %w", index, err)
		}
	}
	if step.Sweep {
		set++
	}
	if step.Restart {
		set++
	}
	if set != 1 {
		return fmt.Errorf("flow[%d]: exactly one of append, dispatch, advance, sweep, restart is required", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 && !a.Absent {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	case AssertResult:
		if a.Instance == "" || a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: instance and outcome are required for result", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
