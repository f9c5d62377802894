package target

import (
	"fmt"

	"github.com/covertrace/vmfuzz/internal/seed"
)

// fieldMutator is the subset of *mutator.Mutator that generateInput and
// the concrete targets need, narrowed to an interface so tests can
// substitute a deterministic fake without threading a *rand.Rand
// through every call site.
type fieldMutator interface {
	Mutate(value string) (string, error)
	MutateString(minLen, maxLen int) string
}

// CustomMutator implements a target's custom_mutate hook, invoked for
// fields whose descriptor sets mutator="custom". Implementations raise
// an "unknown key" error for field names they don't recognize.
type CustomMutator func(fieldName string, f seed.Field) (string, error)

// generateInput dispatches per-field mutation: a fixed field returns
// its pinned value unchanged; a field whose descriptor sets
// mutator="custom" is dispatched to custom; a "str" field is
// dispatched to MutateString; anything else falls through to the
// generic hex mutation primitives (covers "int" and "hex").
func generateInput(m fieldMutator, s seed.Map, custom CustomMutator) (seed.Map, error) {
	out := make(seed.Map, len(s))

	for name, f := range s {
		if f.Fixed {
			out[name] = f
			continue
		}

		var value string
		var err error

		switch {
		case f.Mutator == "custom":
			if custom == nil {
				return nil, fmt.Errorf("target: unknown key %q", name)
			}
			value, err = custom(name, f)
		case f.Type == seed.TypeStr:
			value = m.MutateString(f.MinLen, f.MaxLen)
		default:
			value, err = m.Mutate(f.Value)
		}
		if err != nil {
			return nil, fmt.Errorf("target: failed to mutate field %q: %w", name, err)
		}

		next := f
		next.Value = value
		out[name] = next
	}

	return out, nil
}

// fixedOrMutatedValue returns the current value a field carries,
// whether fixed or freshly mutated, for ABI serialization by RunTest.
func fixedOrMutatedValue(s seed.Map, name string) (string, bool) {
	f, ok := s[name]
	if !ok {
		return "", false
	}
	return f.Value, true
}
