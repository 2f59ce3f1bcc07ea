// Package textop implements the incremental text change used by the
// collaboration engine: a sequence of retain, insert and delete components
// applied to a document from start to end.
//
// On the wire an operation is a compact JSON array: a positive integer
// retains that many characters, a string inserts it and a negative integer
// deletes that many characters. Lengths count Unicode code points.
package textop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrMalformed indicates that an operation contains an invalid component
	ErrMalformed = errors.New("malformed operation")

	// ErrBaseLengthMismatch indicates that the operation was built against
	// a different version of the document
	ErrBaseLengthMismatch = errors.New("operation base length does not match document length")
)

// Component is a single step of an operation. Exactly one field is set.
type Component struct {
	Insert string
	Retain int
	Delete int
}

// Operation is an ordered list of components.
type Operation []Component

// Retain returns o extended with a retain of n characters.
func (o Operation) Retain(n int) Operation {
	if n <= 0 {
		return o
	}
	out := o[:len(o):len(o)]
	if last := len(out) - 1; last >= 0 && out[last].Retain > 0 {
		out = append(out[:last:last], Component{Retain: out[last].Retain + n})
		return out
	}
	return append(out, Component{Retain: n})
}

// Insert returns o extended with an insertion of s.
func (o Operation) Insert(s string) Operation {
	if s == "" {
		return o
	}
	out := o[:len(o):len(o)]
	if last := len(out) - 1; last >= 0 && out[last].Insert != "" {
		out = append(out[:last:last], Component{Insert: out[last].Insert + s})
		return out
	}
	return append(out, Component{Insert: s})
}

// Delete returns o extended with a deletion of n characters.
func (o Operation) Delete(n int) Operation {
	if n <= 0 {
		return o
	}
	out := o[:len(o):len(o)]
	if last := len(out) - 1; last >= 0 && out[last].Delete > 0 {
		out = append(out[:last:last], Component{Delete: out[last].Delete + n})
		return out
	}
	return append(out, Component{Delete: n})
}

// InsertAt builds an operation inserting s at pos of a document with docLen characters.
func InsertAt(pos int, s string, docLen int) Operation {
	return Operation{}.Retain(pos).Insert(s).Retain(docLen - pos)
}

// DeleteAt builds an operation deleting n characters at pos of a document with docLen characters.
func DeleteAt(pos, n, docLen int) Operation {
	return Operation{}.Retain(pos).Delete(n).Retain(docLen - pos - n)
}

// Validate checks that every component has exactly one positive field.
func (o Operation) Validate() error {
	if len(o) == 0 {
		return fmt.Errorf("%w: empty operation", ErrMalformed)
	}
	for i, c := range o {
		set := 0
		if c.Insert != "" {
			set++
		}
		if c.Retain != 0 {
			if c.Retain < 0 {
				return fmt.Errorf("%w: component %d has negative retain", ErrMalformed, i)
			}
			set++
		}
		if c.Delete != 0 {
			if c.Delete < 0 {
				return fmt.Errorf("%w: component %d has negative delete", ErrMalformed, i)
			}
			set++
		}
		if set != 1 {
			return fmt.Errorf("%w: component %d must set exactly one field", ErrMalformed, i)
		}
	}
	return nil
}

// BaseLength returns the document length the operation applies to.
func (o Operation) BaseLength() int {
	n := 0
	for _, c := range o {
		n += c.Retain + c.Delete
	}
	return n
}

// TargetLength returns the document length after the operation is applied.
func (o Operation) TargetLength() int {
	n := 0
	for _, c := range o {
		n += c.Retain + utf8.RuneCountInString(c.Insert)
	}
	return n
}

// Apply applies the operation to text and returns the new text.
func (o Operation) Apply(text string) (string, error) {
	if err := o.Validate(); err != nil {
		return "", err
	}

	runes := []rune(text)

	var b strings.Builder
	b.Grow(len(text))

	// Длины сверяются с остатком документа до сложения, чтобы сумма не переполнилась
	pos := 0
	for i, c := range o {
		switch {
		case c.Retain > 0:
			if c.Retain > len(runes)-pos {
				return "", fmt.Errorf("%w: component %d retains past the end of a %d character document",
					ErrBaseLengthMismatch, i, len(runes))
			}
			b.WriteString(string(runes[pos : pos+c.Retain]))
			pos += c.Retain
		case c.Insert != "":
			b.WriteString(c.Insert)
		case c.Delete > 0:
			if c.Delete > len(runes)-pos {
				return "", fmt.Errorf("%w: component %d deletes past the end of a %d character document",
					ErrBaseLengthMismatch, i, len(runes))
			}
			pos += c.Delete
		}
	}

	if pos != len(runes) {
		return "", fmt.Errorf("%w: operation covers %d, document has %d", ErrBaseLengthMismatch, pos, len(runes))
	}

	return b.String(), nil
}

// MarshalJSON encodes the operation in the compact array form.
func (o Operation) MarshalJSON() ([]byte, error) {
	parts := make([]any, 0, len(o))
	for _, c := range o {
		switch {
		case c.Retain > 0:
			parts = append(parts, c.Retain)
		case c.Insert != "":
			parts = append(parts, c.Insert)
		case c.Delete > 0:
			parts = append(parts, -c.Delete)
		}
	}
	return json.Marshal(parts)
}

// UnmarshalJSON decodes the compact array form.
func (o *Operation) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: operation must be an array", ErrMalformed)
	}

	op := make(Operation, 0, len(raw))
	for i, item := range raw {
		switch v := item.(type) {
		case string:
			if v == "" {
				return fmt.Errorf("%w: component %d is an empty insert", ErrMalformed, i)
			}
			op = append(op, Component{Insert: v})
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return fmt.Errorf("%w: component %d is not an integer", ErrMalformed, i)
			}
			switch {
			case n > 0:
				op = append(op, Component{Retain: int(n)})
			case n < 0:
				op = append(op, Component{Delete: int(-n)})
			default:
				return fmt.Errorf("%w: component %d is zero", ErrMalformed, i)
			}
		default:
			return fmt.Errorf("%w: component %d has unsupported type %T", ErrMalformed, i, item)
		}
	}

	*o = op
	return nil
}
