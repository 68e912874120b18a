package harness

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/dsrflow/internal/store"
)

// validIdentifier is the shape accepted for table and column names in
// final_state assertions.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event)
		}
	}

	return buf.String()
}

// filterTrace keeps the events of one instance, or all of them when
// instance is empty.
func filterTrace(trace []TraceEvent, instance string) []TraceEvent {
	if instance == "" {
		return trace
	}
	var out []TraceEvent
	for _, event := range trace {
		if event.Instance == instance {
			out = append(out, event)
		}
	}
	return out
}

// assertTraceContains checks if the trace contains the call.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range filterTrace(trace, assertion.Instance) {
		if event.matches(assertion.Action) {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("call %s", assertion.Action),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if calls appear in the specified order.
// Calls don't need to be consecutive (intervening calls are allowed).
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	// Find first position of each expected call
	positions := make(map[string]int)
	for i, event := range filterTrace(trace, assertion.Instance) {
		for _, expected := range assertion.Actions {
			if event.matches(expected) && positions[expected] == 0 {
				positions[expected] = i + 1 // 1-indexed for readability
			}
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all calls present: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing call: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]

		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("calls in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks if the call appears exactly the specified number
// of times. Every attempt counts.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range filterTrace(trace, assertion.Instance) {
		if event.matches(assertion.Action) {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertResult checks the rendered result of an instance.
func assertResult(instances map[string]string, assertion Assertion) error {
	actual, ok := instances[assertion.Instance]
	if !ok {
		actual = "no such instance"
	}
	if actual != assertion.Outcome {
		return &AssertionError{
			Type:     AssertResult,
			Expected: fmt.Sprintf("%s = %s", assertion.Instance, assertion.Outcome),
			Actual:   actual,
		}
	}
	return nil
}

// assertFinalState checks that exactly one row of a table or view matches
// Where and that it holds every Expect value. With Absent set it checks
// that no row matches. Identifiers are checked against validIdentifier
// since they cannot be bound as parameters.
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	if assertion.Table == "" {
		return fmt.Errorf("final_state assertion requires table name")
	}
	if !validIdentifier.MatchString(assertion.Table) {
		return fmt.Errorf("invalid table name %q: must match pattern %s", assertion.Table, validIdentifier.String())
	}
	keys := sortedKeys(assertion.Where)
	for _, k := range keys {
		if !validIdentifier.MatchString(k) {
			return fmt.Errorf("invalid column name %q in where clause: must match pattern %s", k, validIdentifier.String())
		}
	}

	rows, err := selectRows(ctx, st, assertion.Table, keys, assertion.Where)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query table %s", assertion.Table),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	where := describeWhere(keys, assertion.Where)
	fail := func(expected, actual string) error {
		return &AssertionError{Type: AssertFinalState, Expected: expected, Actual: actual}
	}
	switch {
	case assertion.Absent && len(rows) == 0:
		return nil
	case assertion.Absent:
		return fail(fmt.Sprintf("no row in %s where %s", assertion.Table, where), "row found")
	case len(rows) == 0:
		return fail(fmt.Sprintf("row in %s where %s", assertion.Table, where), "row not found")
	case len(rows) > 1:
		return fail(fmt.Sprintf("exactly one row in %s where %s", assertion.Table, where),
			fmt.Sprintf("multiple rows matched (%d), the assertion is ambiguous", len(rows)))
	}

	row := rows[0]
	for _, field := range sortedKeys(assertion.Expect) {
		want := assertion.Expect[field]
		got, ok := row.values[field]
		if !ok {
			return fail(fmt.Sprintf("field %q to exist", field),
				fmt.Sprintf("field %q not present in result columns: %v", field, row.columns))
		}
		if !stateValuesEqual(want, got) {
			return fail(fmt.Sprintf("field %q = %v (type %T)", field, want, want),
				fmt.Sprintf("field %q = %v (type %T)", field, got, got))
		}
	}
	return nil
}

type stateRow struct {
	columns []string
	values  map[string]interface{}
}

// selectRows reads every row of table matching the equality conditions.
// The caller has validated table and keys.
func selectRows(ctx context.Context, st *store.Store, table string, keys []string, where map[string]interface{}) ([]stateRow, error) {
	query := "SELECT * FROM " + table
	args := make([]interface{}, len(keys))
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = k + " = ?"
		args[i] = toSQLValue(where[k])
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := st.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("get columns: %w", err)
	}
	var out []stateRow
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := stateRow{columns: columns, values: make(map[string]interface{}, len(columns))}
		for i, col := range columns {
			row.values[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// toSQLValue passes scalars through and renders anything else as text.
func toSQLValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string, int, int64, bool:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}

func describeWhere(keys []string, where map[string]interface{}) string {
	if len(keys) == 0 {
		return "(no conditions)"
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, where[k])
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares a YAML-decoded expectation with a value read
// from SQLite, which returns integers as int64, text possibly as []byte
// and booleans as integers.
func stateValuesEqual(expected, actual interface{}) bool {
	if b, ok := actual.([]byte); ok {
		actual = string(b)
	}
	switch exp := expected.(type) {
	case nil:
		return actual == nil
	case string:
		got, ok := actual.(string)
		return ok && got == exp
	case int:
		return intValue(actual, int64(exp))
	case int64:
		return intValue(actual, exp)
	case bool:
		if got, ok := actual.(bool); ok {
			return got == exp
		}
		if got, ok := actual.(int64); ok {
			return (got != 0) == exp
		}
		return false
	}
	return reflect.DeepEqual(expected, actual)
}

func intValue(actual interface{}, want int64) bool {
	switch got := actual.(type) {
	case int64:
		return got == want
	case int:
		return int64(got) == want
	}
	return false
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for final_state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertResult:
			err = assertResult(result.Instances, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
