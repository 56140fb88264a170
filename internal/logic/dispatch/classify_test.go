package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsNotDue(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Transaction simulation failed: Error processing Instruction 0: custom program error: 0x177f", true},
		{"Program log: AnchorError occurred. Error Code: EarningsNotDue. Error Number: 6015.", true},
		{`{"InstructionError":[2,{"Custom":6015}]}`, true},
		{"Error processing Instruction 1: custom program error: 0x1770", false},
		{"503 service unavailable", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isNotDue(errors.New(c.msg)), c.msg)
	}
	assert.False(t, isNotDue(nil))
}

func TestFailingInstruction(t *testing.T) {
	idx, ok := failingInstruction(errors.New("Transaction simulation failed: Error processing Instruction 3: custom program error: 0x1770"))
	assert.True(t, ok)
	assert.Equal(t, 3, idx)

	idx, ok = failingInstruction(errors.New(`{"InstructionError":[2,{"Custom":6015}]}`))
	assert.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = failingInstruction(errors.New("custom program error: 0x1770"))
	assert.False(t, ok)
}
