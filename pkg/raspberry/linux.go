// +build !windows

// Package raspberry implements the bus timer on Raspberry Pi GPIOs. The
// receive line is watched through the gpiod character device, whose edge
// events feed the capture channel; the transmit pin is driven through the
// memory mapped gpio interface because the character device is too slow to
// shape the 35 µs dominant pulse. Match timeouts run on the monotonic
// clock.
//
// This is a best effort rendition of the timer contract: user space
// scheduling jitter makes it suitable for monitoring and lab setups, not
// for driving a production KNX line.
package raspberry

import (
	"fmt"
	"sync"
	"time"

	"github.com/warthog618/gpio"
	"github.com/warthog618/gpiod"
	"github.com/womat/debug"

	"knxtp/pkg/timer"
)

// never is the match value that silences a channel.
const never = 0xffff

var ErrInUse = fmt.Errorf("gpio line already in use")

// Timer is the software timer on top of the Pi GPIOs.
type Timer struct {
	mu sync.Mutex

	chip   *gpiod.Chip
	rxLine *gpiod.Line
	txPin  *gpio.Pin

	handler func()
	running bool

	// origin is counter zero. The counter value is the time elapsed
	// since origin in microseconds.
	origin time.Time

	match     [timer.NumChannels]uint32
	matchMode [timer.NumChannels]timer.Mode
	capMode   [timer.NumChannels]timer.Mode
	capture   [timer.NumChannels]uint32
	flag      [timer.NumChannels]bool
	pwm       [timer.NumChannels]bool

	matchTimer [timer.NumChannels]*time.Timer
}

// New opens the GPIO chip, requests the receive line with falling edge
// events and claims the transmit pin.
func New(chipName string, rxLine, txPin int) (*Timer, error) {
	t := &Timer{}
	for ch := range t.match {
		t.match[ch] = never
	}

	var err error
	if t.chip, err = gpiod.NewChip(chipName); err != nil {
		return nil, fmt.Errorf("can't open gpio chip %q: %w", chipName, err)
	}

	t.rxLine, err = t.chip.RequestLine(rxLine,
		gpiod.WithEventHandler(t.edge),
		gpiod.WithFallingEdge,
		gpiod.AsInput,
		gpiod.WithPullUp)
	if err != nil {
		_ = t.chip.Close()
		return nil, fmt.Errorf("can't request rx line %d: %w", rxLine, err)
	}

	if err = gpio.Open(); err != nil {
		_ = t.rxLine.Close()
		_ = t.chip.Close()
		return nil, fmt.Errorf("can't open gpio memory: %w", err)
	}

	t.txPin = gpio.NewPin(txPin)
	t.txPin.Output()
	t.txPin.High() // bus line released

	return t, nil
}

// Close releases the line, the chip and the GPIO memory.
func (t *Timer) Close() error {
	t.mu.Lock()
	t.running = false
	for ch := range t.matchTimer {
		if t.matchTimer[ch] != nil {
			t.matchTimer[ch].Stop()
		}
	}
	t.mu.Unlock()

	if err := t.rxLine.Close(); err != nil {
		return err
	}
	if err := t.chip.Close(); err != nil {
		return err
	}
	return gpio.Close()
}

// edge handles a falling edge on the receive line.
func (t *Timer) edge(evt gpiod.LineEvent) {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}

	now := t.value()
	fire := false
	for ch := timer.Cap0; ch <= timer.Cap1; ch++ {
		if t.capMode[ch]&timer.FallingEdge == 0 {
			continue
		}
		t.capture[ch] = now
		t.flag[ch] = true
		if t.capMode[ch]&timer.Interrupt != 0 {
			fire = true
		}
	}
	handler := t.handler
	t.mu.Unlock()

	if fire && handler != nil {
		handler()
	}
}

// fireMatch handles the expiry of the software match timer of a channel.
func (t *Timer) fireMatch(ch timer.Channel) {
	t.mu.Lock()
	if !t.running || t.match[ch] == never {
		t.mu.Unlock()
		return
	}

	t.flag[ch] = true

	if t.pwm[ch] {
		// Dominant pulse starts at the match and ends at the counter
		// reset.
		t.txPin.Low()
	}

	fire := t.matchMode[ch]&timer.Interrupt != 0
	if t.matchMode[ch]&timer.Reset != 0 {
		t.resetCounter()
	}

	handler := t.handler
	t.mu.Unlock()

	if fire && handler != nil {
		handler()
	}
}

// resetCounter restarts the counter, releases the transmit pin and
// reschedules all match timers. Must be called with the lock held.
func (t *Timer) resetCounter() {
	t.origin = time.Now()
	t.txPin.High()
	for ch := range t.match {
		t.schedule(timer.Channel(ch))
	}
}

// schedule arms the software timer of a match channel relative to the
// current origin. Must be called with the lock held.
func (t *Timer) schedule(ch timer.Channel) {
	if t.matchTimer[ch] != nil {
		t.matchTimer[ch].Stop()
		t.matchTimer[ch] = nil
	}

	if !t.running || t.match[ch] == never {
		return
	}
	if !t.pwm[ch] && t.matchMode[ch]&(timer.Interrupt|timer.Reset) == 0 {
		return
	}

	d := time.Duration(t.match[ch])*time.Microsecond - time.Since(t.origin)
	if d < 0 {
		d = 0
	}
	t.matchTimer[ch] = time.AfterFunc(d, func() { t.fireMatch(ch) })
}

// value returns the counter value. Must be called with the lock held.
func (t *Timer) value() uint32 {
	return uint32(time.Since(t.origin).Microseconds())
}

func (t *Timer) ClockFrequency() uint32 { return 1000000 }

// Prescaler is part of the timer contract; the monotonic clock is already
// counted in microseconds.
func (t *Timer) Prescaler(div uint32) {}

func (t *Timer) Start() {
	t.mu.Lock()
	t.running = true
	t.origin = time.Now()
	for ch := range t.match {
		t.schedule(timer.Channel(ch))
	}
	t.mu.Unlock()

	debug.InfoLog.Print("raspberry: bus timer started")
}

func (t *Timer) Restart() {
	t.mu.Lock()
	t.resetCounter()
	t.mu.Unlock()
}

func (t *Timer) Value() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value()
}

func (t *Timer) Match(ch timer.Channel) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.match[ch]
}

func (t *Timer) SetMatch(ch timer.Channel, value uint32) {
	t.mu.Lock()
	t.match[ch] = value
	t.schedule(ch)
	t.mu.Unlock()
}

func (t *Timer) MatchMode(ch timer.Channel, mode timer.Mode) {
	t.mu.Lock()
	t.matchMode[ch] = mode
	t.schedule(ch)
	t.mu.Unlock()
}

func (t *Timer) PWMEnable(ch timer.Channel) {
	t.mu.Lock()
	t.pwm[ch] = true
	t.schedule(ch)
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
