package errno

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"Nil", nil, OK.Code},
		{"Plain errno", ErrReorgTooDeep, ErrReorgTooDeep.Code},
		{"Wrapped errno", fmt.Errorf("%w: ancestor missing", ErrReorgTooDeep), ErrReorgTooDeep.Code},
		{"Double wrapped", fmt.Errorf("cycle: %w", fmt.Errorf("%w: x", ErrNodeUnavailable)), ErrNodeUnavailable.Code},
		{"Unknown error", errors.New("boom"), InternalServerError.Code},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := Decode(tt.err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	// 瞬时: 退避重试
	assert.True(t, IsTransient(fmt.Errorf("%w: timeout", ErrNodeUnavailable)))
	assert.True(t, IsTransient(ErrBlockNotFound))
	assert.False(t, IsTransient(ErrReorgTooDeep))

	// 致命: 停机等人工
	assert.True(t, IsFatal(ErrReorgTooDeep))
	assert.True(t, IsFatal(fmt.Errorf("%w: event gone", ErrInconsistentRollback)))
	assert.True(t, IsFatal(ErrOverflow))
	assert.False(t, IsFatal(ErrNodeUnavailable))
	assert.False(t, IsFatal(errors.New("boom")))
}
