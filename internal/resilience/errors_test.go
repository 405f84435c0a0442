package resilience

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrapped transient marker", fmt.Errorf("write: %w", NewTransientError(errors.New("boom"))), true},
		{"econnrefused", syscall.ECONNREFUSED, true},
		{"econnreset", syscall.ECONNRESET, true},
		{"driver connect failure", errors.New("failed to connect to `host=db`: dial error"), true},
		{"postgres starting up", errors.New("FATAL: the database system is starting up"), true},
		{"dns failure", errors.New("lookup warehouse: no such host"), true},
		{"io timeout string", errors.New("read tcp 10.0.0.1:5432: i/o timeout"), true},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"constraint violation", errors.New("duplicate key value violates unique constraint"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	te := NewTransientError(inner)

	assert.Equal(t, "boom", te.Error())
	assert.ErrorIs(t, te, inner)
}

func TestDeadLetter_CapsSampleButKeepsCounting(t *testing.T) {
	dlq := NewDeadLetter(2)
	for i := 0; i < 5; i++ {
		dlq.Add(DroppedRow{Line: i + 1, Reason: "bad row"})
	}

	assert.Equal(t, 5, dlq.Count())
	assert.Len(t, dlq.Rows(), 2)
	assert.Equal(t, 1, dlq.Rows()[0].Line)
}

func TestNewDeadLetter_DefaultCap(t *testing.T) {
	dlq := NewDeadLetter(0)
	assert.Equal(t, 100, dlq.Cap)
}
