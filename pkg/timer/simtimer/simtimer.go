// Package simtimer is a deterministic software rendition of the bus timer.
// The counter only moves when a test advances it, match events and line
// edges fire in simulated time, and every transmit pulse is recorded. It is
// the host side stand-in for the timer peripheral, used by the tests and by
// the hardware-less emulation mode.
package simtimer

import (
	"sync"

	"knxtp/pkg/timer"
)

// never is a match value that the counter cannot reach as long as a reset
// match below it is armed.
const never = 0xffff

// Timer is a simulated 1 MHz timer.
type Timer struct {
	mu sync.Mutex

	running   bool
	prescaler uint32
	handler   func()

	// now is the counter value, clock the absolute simulation time.
	// The counter is reset by matches and Restart, the clock never.
	now   uint32
	clock uint32

	match     [timer.NumChannels]uint32
	matchMode [timer.NumChannels]timer.Mode
	capMode   [timer.NumChannels]timer.Mode
	capture   [timer.NumChannels]uint32
	flag      [timer.NumChannels]bool
	pwm       [timer.NumChannels]bool

	loopback bool
	pulses   []uint32
}

// New creates a stopped simulated timer. All match values start out
// unreachable.
func New() *Timer {
	t := &Timer{}
	for ch := range t.match {
		t.match[ch] = never
	}
	return t
}

// SetLoopback connects the transmit pin back to the capture input, like the
// bus coupler hardware does: every PWM pulse latches the capture register
// and, if the capture channel has interrupts enabled, invokes the handler.
func (t *Timer) SetLoopback(on bool) {
	t.mu.Lock()
	t.loopback = on
	t.mu.Unlock()
}

// Pulses returns the absolute simulation times at which the transmit pin
// was driven low.
func (t *Timer) Pulses() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := make([]uint32, len(t.pulses))
	copy(p, t.pulses)
	return p
}

// ClearPulses discards the recorded transmit pulses.
func (t *Timer) ClearPulses() {
	t.mu.Lock()
	t.pulses = t.pulses[:0]
	t.mu.Unlock()
}

// Clock returns the absolute simulation time in microseconds.
func (t *Timer) Clock() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock
}

// Advance moves the simulation forward by d microseconds, firing match
// events, counter resets and loopback edges in time order.
func (t *Timer) Advance(d uint32) {
	for i := uint32(0); i < d; i++ {
		t.step()
	}
}

// Pulse injects a falling edge on the bus line at the current counter
// value, as if another device drove the line low.
func (t *Timer) Pulse() {
	t.mu.Lock()
	fire := t.latchCapture()
	handler := t.handler
	t.mu.Unlock()

	if fire && handler != nil {
		handler()
	}
}

// PulseAt advances the simulation until the counter reaches v and injects a
// falling edge there. The counter must not be reset by a match before v.
func (t *Timer) PulseAt(v uint32) {
	t.mu.Lock()
	now := t.now
	t.mu.Unlock()

	t.Advance(v - now)
	t.Pulse()
}

// step advances the simulation by one microsecond.
func (t *Timer) step() {
	t.mu.Lock()

	t.clock++
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.now++

	fire := false
	reset := false
	for ch := range t.match {
		if t.now != t.match[ch] {
			continue
		}
		t.flag[ch] = true
		if t.pwm[ch] {
			t.pulses = append(t.pulses, t.clock)
			if t.loopback && t.latchCapture() {
				fire = true
			}
		}
		if t.matchMode[ch]&timer.Interrupt != 0 {
			fire = true
		}
		if t.matchMode[ch]&timer.Reset != 0 {
			reset = true
		}
	}

	// The counter resets at the match, before the handler observes it.
	if reset {
		t.now = 0
	}
	handler := t.handler
	t.mu.Unlock()

	if fire && handler != nil {
		handler()
	}
}

// latchCapture latches the counter into every capture channel armed for
// falling edges. It reports whether an interrupt has to be raised and must
// be called with the lock held.
func (t *Timer) latchCapture() bool {
	fire := false
	for ch := timer.Cap0; ch <= timer.Cap1; ch++ {
		if t.capMode[ch]&timer.FallingEdge == 0 {
			continue
		}
		t.capture[ch] = t.now
		t.flag[ch] = true
		if t.capMode[ch]&timer.Interrupt != 0 {
			fire = true
		}
	}
	return fire
}

func (t *Timer) ClockFrequency() uint32 { return 1000000 }

func (t *Timer) Prescaler(div uint32) {
	t.mu.Lock()
	t.prescaler = div
	t.mu.Unlock()
}

func (t *Timer) Start() {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
}

func (t *Timer) Restart() {
	t.mu.Lock()
	t.now = 0
	t.mu.Unlock()
}

func (t *Timer) Value() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

func (t *Timer) Match(ch timer.Channel) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.match[ch]
}

func (t *Timer) SetMatch(ch timer.Channel, value uint32) {
	t.mu.Lock()
	t.match[ch] = value
	t.mu.Unlock()
}

func (t *Timer) MatchMode(ch timer.Channel, mode timer.Mode) {
	t.mu.Lock()
	t.matchMode[ch] = mode
	t.mu.Unlock()
}

func (t *Timer) PWMEnable(ch timer.Channel) {
	t.mu.Lock()
	t.pwm[ch] = true
	t.mu.Unlock()
}

func (t *Timer) CaptureMode(ch timer.Channel, mode timer.Mode) {
	t.mu.Lock()
	t.capMode[ch] = mode
	t.mu.Unlock()
}

func (t *Timer) Capture(ch timer.Channel) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capture[ch]
}

func (t *Timer) Flag(ch timer.Channel) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flag[ch]
}

func (t *Timer) ResetFlags() {
	t.mu.Lock()
	for ch := range t.flag {
		t.flag[ch] = false
	}
	t.mu.Unlock()
}

func (t *Timer) Interrupts(handler func()) {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
}
