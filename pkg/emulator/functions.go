package emulator

import (
	"errors"
	"fmt"
	"time"
)

// Function is a module export the emulated runtime can call. It returns the
// i32 result and whether there is one; a non-nil error is a trap.
type Function func(call *Call) (ret int32, hasRet bool, err error)

// Call is the execution environment of one running function
type Call struct {
	Args []int32

	agent *Agent
	stop  <-chan struct{}
}

// Arg returns argument i, or an error if the caller passed fewer
func (c *Call) Arg(i int) (int32, error) {
	if i >= len(c.Args) {
		return 0, fmt.Errorf("expected at least %d arguments, got %d", i+1, len(c.Args))
	}
	return c.Args[i], nil
}

// Toggle flips the emulated LED
func (c *Call) Toggle() {
	c.agent.toggleLED()
}

// ShouldStop reports whether STOP was requested for this run
func (c *Call) ShouldStop() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// Sleep waits for d and reports false if a STOP cut it short
func (c *Call) Sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-c.stop:
		return false
	}
}

var errDivideByZero = errors.New("integer divide by zero")

// binary wraps a two-argument arithmetic export
func binary(op func(a, b int32) (int32, error)) Function {
	return func(call *Call) (int32, bool, error) {
		a, err := call.Arg(0)
		if err != nil {
			return 0, false, err
		}
		b, err := call.Arg(1)
		if err != nil {
			return 0, false, err
		}
		r, err := op(a, b)
		return r, err == nil, err
	}
}

// BuiltinFunctions returns the exports of the sample modules: math_ops,
// toggle_n, toggle_forever and blink. period is the LED toggle period.
func BuiltinFunctions(period time.Duration) map[string]Function {
	return map[string]Function{
		"add": binary(func(a, b int32) (int32, error) { return a + b, nil }),
		"sub": binary(func(a, b int32) (int32, error) { return a - b, nil }),
		"mul": binary(func(a, b int32) (int32, error) { return a * b, nil }),
		"div": binary(func(a, b int32) (int32, error) {
			if b == 0 {
				return 0, errDivideByZero
			}
			return a / b, nil
		}),

		"blink": func(call *Call) (int32, bool, error) {
			call.Toggle()
			return 0, false, nil
		},

		"toggle_n": func(call *Call) (int32, bool, error) {
			n, err := call.Arg(0)
			if err != nil {
				return 0, false, err
			}
			for i := int32(0); i < n; i++ {
				if call.ShouldStop() {
					break
				}
				call.Toggle()
				if !call.Sleep(period) {
					break
				}
			}
			return 0, false, nil
		},

		"toggle_forever": func(call *Call) (int32, bool, error) {
			for !call.ShouldStop() {
				call.Toggle()
				call.Sleep(period)
			}
			return 0, false, nil
		},
	}
}
