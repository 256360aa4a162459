// +build windows

package raspberry

import (
	"fmt"

	"knxtp/pkg/timer"
)

// Timer is not available on Windows; use the emulated timer instead.
type Timer struct{}

// New always fails on Windows.
func New(chipName string, rxLine, txPin int) (*Timer, error) {
	return nil, fmt.Errorf("raspberry gpio is not supported on windows")
}

func (t *Timer) Close() error                                 { return nil }
func (t *Timer) ClockFrequency() uint32                       { return 1000000 }
func (t *Timer) Prescaler(div uint32)                         {}
func (t *Timer) Start()                                       {}
func (t *Timer) Restart()                                     {}
func (t *Timer) Value() uint32                                { return 0 }
func (t *Timer) Match(ch timer.Channel) uint32                { return 0 }
func (t *Timer) SetMatch(ch timer.Channel, value uint32)      {}
func (t *Timer) MatchMode(ch timer.Channel, mode timer.Mode)  {}
func (t *Timer) PWMEnable(ch timer.Channel)                   {}
func (t *Timer) CaptureMode(ch timer.Channel, mode timer.Mode) {}
func (t *Timer) Capture(ch timer.Channel) uint32              { return 0 }
func (t *Timer) Flag(ch timer.Channel) bool                   { return false }
func (t *Timer) ResetFlags()                                  {}
func (t *Timer) Interrupts(handler func())                    {}
