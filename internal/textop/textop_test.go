package textop

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_Apply(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected string
		op       Operation
	}{
		{
			name:     "insert at start",
			text:     "hello",
			op:       InsertAt(0, "x", 5),
			expected: "xhello",
		},
		{
			name:     "insert at end",
			text:     "hello",
			op:       InsertAt(5, " world", 5),
			expected: "hello world",
		},
		{
			name:     "delete in the middle",
			text:     "hello world",
			op:       DeleteAt(5, 6, 11),
			expected: "hello",
		},
		{
			name:     "replace",
			text:     "abc",
			op:       Operation{}.Retain(1).Delete(1).Insert("B").Retain(1),
			expected: "aBc",
		},
		{
			name:     "multibyte characters",
			text:     "привет",
			op:       InsertAt(3, "-", 6),
			expected: "при-вет",
		},
		{
			name:     "insert into empty document",
			text:     "",
			op:       Operation{}.Insert("first"),
			expected: "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.Apply(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
			assert.Equal(t, len([]rune(tt.expected)), tt.op.TargetLength())
		})
	}
}

func TestOperation_Apply_Errors(t *testing.T) {
	tests := []struct {
		expected error
		name     string
		text     string
		op       Operation
	}{
		{
			name:     "base length too short",
			text:     "hello",
			op:       InsertAt(0, "x", 3),
			expected: ErrBaseLengthMismatch,
		},
		{
			name:     "base length too long",
			text:     "hi",
			op:       Operation{}.Retain(10),
			expected: ErrBaseLengthMismatch,
		},
		{
			name:     "lengths wrap around to document length",
			text:     "hello",
			op:       Operation{{Retain: math.MaxInt}, {Retain: math.MaxInt}, {Retain: 7}},
			expected: ErrBaseLengthMismatch,
		},
		{
			name:     "delete past end after retain",
			text:     "hello",
			op:       Operation{{Retain: 3}, {Delete: math.MaxInt}},
			expected: ErrBaseLengthMismatch,
		},
		{
			name:     "empty operation",
			text:     "hi",
			op:       Operation{},
			expected: ErrMalformed,
		},
		{
			name:     "component with two fields",
			text:     "hi",
			op:       Operation{{Retain: 2, Insert: "x"}},
			expected: ErrMalformed,
		},
		{
			name:     "negative retain",
			text:     "hi",
			op:       Operation{{Retain: -2}},
			expected: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.op.Apply(tt.text)
			assert.ErrorIs(t, err, tt.expected)
		})
	}
}

func TestOperation_BuilderMergesComponents(t *testing.T) {
	op := Operation{}.Retain(1).Retain(2).Insert("a").Insert("b").Delete(1).Delete(1)

	assert.Equal(t, Operation{{Retain: 3}, {Insert: "ab"}, {Delete: 2}}, op)
	assert.Equal(t, 5, op.BaseLength())
	assert.Equal(t, 5, op.TargetLength())
}

func TestOperation_BuilderDoesNotAlias(t *testing.T) {
	base := make(Operation, 0, 8).Retain(1)
	a := base.Insert("a")
	b := base.Insert("b")

	assert.Equal(t, "a", a[1].Insert)
	assert.Equal(t, "b", b[1].Insert)
}

func TestOperation_JSON(t *testing.T) {
	op := Operation{}.Retain(2).Insert("xy").Delete(3).Retain(1)

	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"xy",-3,1]`, string(data))

	var decoded Operation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, op, decoded)
}

func TestOperation_UnmarshalJSON_Invalid(t *testing.T) {
	inputs := []string{
		`null`,
		`{"insert":"x"}`,
		`[0]`,
		`[1.5]`,
		`[""]`,
		`[true]`,
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			var op Operation
			err := json.Unmarshal([]byte(input), &op)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestOperation_UnmarshalJSON_HugeComponents(t *testing.T) {
	var op Operation
	require.NoError(t, json.Unmarshal([]byte(`[9223372036854775807, 9223372036854775807, 7]`), &op))

	_, err := op.Apply("hello")
	assert.ErrorIs(t, err, ErrBaseLengthMismatch)
}
