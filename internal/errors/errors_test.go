package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsValidation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"missing field", NewMissingField("symbol"), true},
		{"invalid profile", NewInvalidProfile(0), true},
		{"invalid value", NewInvalidValue("status", "bogus", "unknown status"), true},
		{"pool exhausted", ErrPoolExhausted, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidation(tt.err))
		})
	}
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection", Connection(fmt.Errorf("dial tcp: refused"), "redis"), true},
		{"pool exhausted", Wrap(ErrPoolExhausted, "durable"), true},
		{"locked", fmt.Errorf("IO Error: database is locked"), true},
		{"conflict", fmt.Errorf("TransactionContext Error: Transaction conflict"), true},
		{"schema", Schema(fmt.Errorf("syntax error"), "create table"), false},
		{"validation", NewMissingField("symbol"), false},
		{"other", fmt.Errorf("constraint violated"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetriable(tt.err))
		})
	}
}

func TestSchemaIsFatal(t *testing.T) {
	err := Schema(fmt.Errorf("permission denied"), "trade_performance")
	assert.True(t, IsFatal(err))
	assert.True(t, Is(err, ErrSchema))
	assert.Contains(t, err.Error(), "trade_performance")
}

func TestNewRangeTooLarge(t *testing.T) {
	err := NewRangeTooLarge(400*24*time.Hour, 365*24*time.Hour)
	assert.True(t, Is(err, ErrRangeTooLarge))
	assert.Contains(t, err.Error(), "400.0 days")
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	assert.NoError(t, v.Err())

	v.AddMissing("symbol")
	v.AddInvalid("quantity", -1, "must be positive")

	err := v.Err()
	assert.Error(t, err)
	assert.True(t, Is(err, ErrValidation))
	assert.True(t, Is(err, ErrMissingField))
	assert.True(t, Is(err, ErrInvalidValue))
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "2 errors")
}
