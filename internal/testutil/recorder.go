package testutil

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/roach88/dsrflow/internal/activity"
	"github.com/roach88/dsrflow/internal/durable"
)

// Call is one activity attempt observed by a Recorder.
type Call struct {
	Instance string `json:"instance" yaml:"instance"`
	Name     string `json:"name" yaml:"name"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Attempt  int    `json:"attempt" yaml:"attempt"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// String renders the call as Name or Name(Detail), marked with ! when the
// attempt failed.
func (c Call) String() string {
	s := c.Name
	if c.Detail != "" {
		s += "(" + c.Detail + ")"
	}
	if c.Error != "" {
		s += "!"
	}
	return s
}

// Recorder keeps the order of activity attempts across all instances.
// Pass Observe to durable.WithActivityObserver.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{calls: []Call{}}
}

// Observe records one attempt.
func (r *Recorder) Observe(call durable.ActivityCall) {
	c := Call{
		Instance: call.InstanceID,
		Name:     call.Name,
		Detail:   detail(call),
		Attempt:  call.Attempt,
	}
	if call.Err != nil {
		c.Error = call.Err.Error()
	}
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.mu.Unlock()
}

// Calls returns a copy of every recorded attempt.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Trace returns the rendered calls, optionally restricted to one instance.
func (r *Recorder) Trace(instance string) []string {
	out := []string{}
	for _, c := range r.Calls() {
		if instance == "" || c.Instance == instance {
			out = append(out, c.String())
		}
	}
	return out
}

// Count returns how many attempts rendered as s were recorded.
func (r *Recorder) Count(s string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.String() == s || strings.TrimSuffix(c.String(), "!") == s {
			n++
		}
	}
	return n
}

// Reset forgets every recorded call.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.calls = []Call{}
	r.mu.Unlock()
}

// detail extracts the distinguishing argument or result of a call.
func detail(call durable.ActivityCall) string {
	var in, out map[string]any
	_ = json.Unmarshal(call.Input, &in)
	_ = json.Unmarshal(call.Output, &out)

	switch call.Name {
	case activity.NameSessionLock:
		return str(in["action"])
	case activity.NameSetStatus:
		return str(in["status"])
	case activity.NameLedgerCheck:
		if call.Err != nil {
			return ""
		}
		return str(out["present"])
	case activity.NamePendingDownloadCheck:
		if call.Err != nil {
			return ""
		}
		if s := str(out["status"]); s != "" {
			return s
		}
		return "none"
	case activity.NameCheckLastStatus:
		if call.Err != nil {
			return ""
		}
		if s := str(out["status"]); s != "" {
			return s
		}
		return "none"
	case activity.NameFeedUpdate:
		return str(out["outcome"])
	}
	return ""
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
