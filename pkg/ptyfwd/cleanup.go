//go:build linux

package ptyfwd

// cleanupStack collects undo steps while the forwarder is set up and
// runs them in reverse order exactly once.
type cleanupStack struct {
	steps []cleanupStep
	done  bool
}

type cleanupStep struct {
	name string
	fn   func() error
}

func (s *cleanupStack) push(name string, fn func() error) {
	s.steps = append(s.steps, cleanupStep{name: name, fn: fn})
}

// unwind runs every step, last pushed first, and returns the first
// failure. Later calls do nothing.
func (s *cleanupStack) unwind(report func(name string, err error)) error {
	if s.done {
		return nil
	}
	s.done = true

	var first error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.fn(); err != nil {
			if report != nil {
				report(step.name, err)
			}
			if first == nil {
				first = err
			}
		}
	}
	s.steps = nil
	return first
}
