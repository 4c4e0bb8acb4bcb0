package decode

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scaling is an affine transform raw*Factor + Offset. The zero value is not
// valid; use Identity or ParseScaling.
type Scaling struct {
	Factor float64 `yaml:"factor" json:"factor"`
	Offset float64 `yaml:"offset" json:"offset"`
}

// Identity leaves raw values unchanged.
var Identity = Scaling{Factor: 1}

// Apply returns the physical value for raw.
func (s Scaling) Apply(raw float64) float64 { return raw*s.Factor + s.Offset }

// String renders s in the form accepted by ParseScaling.
func (s Scaling) String() string {
	out := "x"
	if s.Factor != 1 {
		out += "*" + strconv.FormatFloat(s.Factor, 'g', -1, 64)
	}
	switch {
	case s.Offset > 0:
		out += "+" + strconv.FormatFloat(s.Offset, 'g', -1, 64)
	case s.Offset < 0:
		out += "-" + strconv.FormatFloat(-s.Offset, 'g', -1, 64)
	}
	return out
}

// ParseScaling parses a left-to-right chain of operations on the raw value:
//
//	"* 0.1"  "x*0.1-40"  "(x-40)*1.8"  "raw/4"  "+ 32"
//
// Operators are * / + -, evaluated strictly left to right; parentheses are
// only allowed around a leading sub-chain. The result is always affine.
func ParseScaling(expr string) (Scaling, error) {
	s := strings.Join(strings.Fields(expr), "")
	if s == "" {
		return Scaling{}, fmt.Errorf("%w: empty scaling expression", ErrInvalidSpec)
	}
	open := 0
	for open < len(s) && s[open] == '(' {
		open++
	}
	s = s[open:]
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "raw"):
		s = s[3:]
	case strings.HasPrefix(lower, "x"):
		s = s[1:]
	}
	sc := Identity
	for len(s) > 0 {
		if s[0] == ')' {
			if open == 0 {
				return Scaling{}, fmt.Errorf("%w: unbalanced ')' in %q", ErrInvalidSpec, expr)
			}
			open--
			s = s[1:]
			continue
		}
		op := s[0]
		if !strings.ContainsRune("*/+-", rune(op)) {
			return Scaling{}, fmt.Errorf("%w: unexpected %q in %q", ErrInvalidSpec, op, expr)
		}
		n, rest, err := leadingNumber(s[1:])
		if err != nil {
			return Scaling{}, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, expr, err)
		}
		switch op {
		case '*':
			sc.Factor *= n
			sc.Offset *= n
		case '/':
			if n == 0 {
				return Scaling{}, fmt.Errorf("%w: division by zero in %q", ErrInvalidSpec, expr)
			}
			sc.Factor /= n
			sc.Offset /= n
		case '+':
			sc.Offset += n
		case '-':
			sc.Offset -= n
		}
		s = rest
	}
	if open != 0 {
		return Scaling{}, fmt.Errorf("%w: unbalanced '(' in %q", ErrInvalidSpec, expr)
	}
	return sc, nil
}

func leadingNumber(s string) (float64, string, error) {
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	for end < len(s) {
		ch := s[end]
		if (ch >= '0' && ch <= '9') || ch == '.' {
			end++
			continue
		}
		if (ch == 'e' || ch == 'E') && end+1 < len(s) {
			end++
			if s[end] == '-' || s[end] == '+' {
				end++
			}
			continue
		}
		break
	}
	if end == 0 {
		return 0, s, fmt.Errorf("missing number")
	}
	n, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0, s, fmt.Errorf("bad number %q", s[:end])
	}
	return n, s[end:], nil
}

// UnmarshalYAML accepts either an expression string or a {factor, offset}
// mapping (factor defaults to 1).
func (s *Scaling) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		sc, err := ParseScaling(n.Value)
		if err != nil {
			return err
		}
		*s = sc
		return nil
	case yaml.MappingNode:
		var m struct {
			Factor *float64 `yaml:"factor"`
			Offset float64  `yaml:"offset"`
		}
		if err := n.Decode(&m); err != nil {
			return err
		}
		*s = Scaling{Factor: 1, Offset: m.Offset}
		if m.Factor != nil {
			s.Factor = *m.Factor
		}
		return nil
	default:
		return fmt.Errorf("%w: scaling must be a string or mapping (line %d)", ErrInvalidSpec, n.Line)
	}
}

// MarshalYAML writes the expression form.
func (s Scaling) MarshalYAML() (any, error) { return s.String(), nil }
