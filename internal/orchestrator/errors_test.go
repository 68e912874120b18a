package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/dsrflow/internal/durable"
	"github.com/roach88/dsrflow/internal/record"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{
			name:   "invalid input",
			err:    &InvalidInputError{Detail: "expected status PENDING, got WIP"},
			reason: "InvalidInput()|expected status PENDING, got WIP",
		},
		{
			name:   "activity failure with context",
			err:    &ActivityError{Name: "Delete", Reason: "disk full", Context: "unlock: timeout"},
			reason: "ActivityFailure(Delete)|disk full|unlock: timeout",
		},
		{
			name:   "wrapped activity failure",
			err:    fmt.Errorf("step: %w", &ActivityError{Name: "Notify", Reason: "notify returned 400"}),
			reason: "ActivityFailure(Notify)|notify returned 400",
		},
		{
			name:   "runtime activity error",
			err:    &durable.ActivityError{Name: "Extract", Message: "boom"},
			reason: "ActivityFailure(Extract)|boom",
		},
		{
			name:   "unhandled",
			err:    &UnhandledError{Cause: errors.New("boom")},
			reason: "Unhandled()|boom",
		},
		{
			name:   "anything else",
			err:    errors.New("boom"),
			reason: "Unhandled()|boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reason, Classify(tt.err).Reason())
		})
	}
}

func TestActivityFailure_PassesSuspensionThrough(t *testing.T) {
	assert.ErrorIs(t, activityFailure(durable.ErrSuspended), durable.ErrSuspended)

	var ae *ActivityError
	assert.ErrorAs(t, activityFailure(&durable.ActivityError{Name: "Delete", Message: "x"}), &ae)
	assert.Equal(t, "Delete", ae.Name)
}

func TestRecoverUnhandled(t *testing.T) {
	run := func(fn func()) (err error) {
		defer recoverUnhandled(&err)
		fn()
		return nil
	}

	err := run(func() { panic("index out of range") })
	var unhandled *UnhandledError
	assert.ErrorAs(t, err, &unhandled)
	assert.Equal(t, "Unhandled()|panic: index out of range", Classify(err).Reason())

	assert.NoError(t, run(func() {}))
}

func TestClassify_RefusedTransition(t *testing.T) {
	err := &TransitionError{Current: record.Record{Status: record.StatusAborted, Version: 2}, To: record.StatusWIP}
	assert.Equal(t, "ActivityFailure(SetStatus)|WIP refused: current version 2 is ABORTED", Classify(err).Reason())
}

func TestDecodeInput(t *testing.T) {
	valid := []byte(`{"operation":"DELETE","identity":"F1","status":"PENDING","createdAt":"2026-03-02T09:00:00Z","updatedAt":"2026-03-02T09:00:00Z"}`)

	rec, err := decodeInput(valid, record.OperationDelete, record.StatusPending)
	assert.NoError(t, err)
	assert.Equal(t, "F1", rec.Identity)

	_, err = decodeInput(valid, record.OperationDownload, "")
	var invalid *InvalidInputError
	assert.ErrorAs(t, err, &invalid)

	_, err = decodeInput(valid, "", record.StatusFailed)
	assert.ErrorAs(t, err, &invalid)

	_, err = decodeInput([]byte(`{"operation":"DELETE","identity":"","status":"PENDING"}`), "", "")
	assert.ErrorAs(t, err, &invalid)
}

func TestConfigDefaults(t *testing.T) {
	conf := Config{GracePeriod: -1}.Defaults()
	assert.Zero(t, conf.GracePeriod)
	assert.Equal(t, DefaultDependencyPollInterval, conf.DependencyPollInterval)
	assert.Equal(t, 5, conf.StatusWrite.MaxAttempts)
	assert.Equal(t, 3, conf.Activity.MaxAttempts)
}

func TestNameFor(t *testing.T) {
	assert.Equal(t, NameDelete, NameFor(record.OperationDelete))
	assert.Equal(t, NameDownload, NameFor(record.OperationDownload))
}
