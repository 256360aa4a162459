// Package timer defines the contract of the hardware timer that drives the
// bus transceiver: a free running counter with capture channels that latch
// the counter on line edges and match channels that either drive the
// transmit pin (PWM) or raise a timeout interrupt.
package timer

// Channel identifies a capture or match channel of a timer.
// Match channels occupy the low channel numbers so that implementations can
// index both kinds in a single register bank.
type Channel int

const (
	Mat0 Channel = iota
	Mat1
	Mat2
	Mat3
	Cap0
	Cap1

	// NumChannels is the size of the channel bank.
	NumChannels = int(Cap1) + 1
)

// Mode holds the configuration flags of a capture or match channel.
type Mode int

const (
	// Interrupt raises an interrupt when the channel event occurs.
	Interrupt Mode = 1 << iota
	// Reset resets the counter when the match occurs.
	Reset
	// FallingEdge captures on falling line edges.
	FallingEdge
	// RisingEdge captures on rising line edges.
	RisingEdge
)

// Timer is the hardware timer used by the bus transceiver. One counter tick
// equals one microsecond after the prescaler is set up.
//
// Implementations deliver interrupts by calling the handler registered with
// Interrupts. The handler runs to completion for every capture or match
// event whose channel mode includes Interrupt and is expected to clear the
// event flags with ResetFlags before it returns.
type Timer interface {
	// ClockFrequency returns the input clock of the counter in Hz.
	ClockFrequency() uint32

	// Prescaler sets the counter prescale divider.
	Prescaler(div uint32)

	// Start starts the counter.
	Start()

	// Restart resets the counter to zero.
	Restart()

	// Value returns the current counter value.
	Value() uint32

	// Match returns the programmed match value of the channel.
	Match(ch Channel) uint32

	// SetMatch programs the match value of the channel.
	SetMatch(ch Channel, value uint32)

	// MatchMode configures what happens when the counter reaches the
	// match value of the channel.
	MatchMode(ch Channel, mode Mode)

	// PWMEnable connects the match channel to the transmit pin. The pin
	// is driven low from the match until the counter is reset.
	PWMEnable(ch Channel)

	// CaptureMode configures the edge and interrupt behaviour of the
	// capture channel.
	CaptureMode(ch Channel, mode Mode)

	// Capture returns the counter value latched by the last edge on the
	// capture channel.
	Capture(ch Channel) uint32

	// Flag reports whether the event flag of the channel is set.
	Flag(ch Channel) bool

	// ResetFlags clears all event flags.
	ResetFlags()

	// Interrupts registers the interrupt handler and enables interrupt
	// delivery.
	Interrupts(handler func())
}
