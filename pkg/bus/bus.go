// Package bus implements the bit level transceiver for the KNX twisted pair
// bus. A single hardware timer does all the work: its capture channel
// timestamps falling edges on the receive line, one match channel drives
// the transmit pin as PWM and a second match channel raises timeouts. The
// whole transceiver is one state machine that runs inside the timer
// interrupt handler.
package bus

import (
	"runtime"
	"sync"

	"github.com/womat/debug"

	"knxtp/pkg/knx"
	"knxtp/pkg/timer"
)

const (
	// BitTime is the nominal length of a bit cell on the wire (µs).
	BitTime = 104

	// BitWaitTime is the threshold after which a capture belongs to the
	// next bit cell (µs).
	BitWaitTime = 69

	// BitPulseTime is the width of the dominant pulse of a zero bit (µs).
	BitPulseTime = 35

	// ByteTime is the maximum time from start bit to stop bit, including
	// a safety extra: BitTime*10 + BitTime/2.
	ByteTime = 1090

	// SendAckWaitTime is the time to wait before sending an
	// acknowledgement: approximately BitTime*11 + BitTime/4.
	SendAckWaitTime = 1177

	// SendWaitTime is the time to wait before starting to send:
	// BitTime * 50.
	SendWaitTime = 5200

	// PreSendTime is the time to listen for bus activity before sending
	// starts: BitTime * 1.
	PreSendTime = 104
)

// state is the state of the transceiver state machine.
type state int

const (
	idle state = iota
	recvStart
	recvByte
	sendInit
	sendStartBit
	sendBit0
	sendBit
	sendBitWait
	sendEnd
	sendWait
)

// Station provides the device configuration that the transceiver consults
// when filtering and acknowledging received telegrams.
type Station interface {
	// OwnAddress returns the physical address of this device.
	OwnAddress() uint16

	// IsGroupMember reports whether the group address is in the address
	// table of this device.
	IsGroupMember(addr uint16) bool

	// Promiscuous reports whether every valid telegram shall be
	// delivered to the higher layers. A promiscuous station still
	// receives but never acknowledges.
	Promiscuous() bool
}

// Bus is the KNX bus transceiver.
//
// All mutable state is owned by the interrupt handler; the foreground talks
// to it through SendTelegram, ReceivedTelegram and DiscardReceivedTelegram
// only. Completion of an outbound telegram is signalled by writing zero
// into byte 0 of the caller's buffer.
type Bus struct {
	timer          timer.Timer
	captureChannel timer.Channel
	pwmChannel     timer.Channel
	timeChannel    timer.Channel

	station Station
	fatal   func()

	// irq serialises the interrupt handler against the foreground
	// kick-start, taking the place of the interrupt mask brackets.
	irq sync.Mutex

	state   state
	ownAddr uint16

	// telegram is the receive buffer, telegramLen the publication latch:
	// non zero only while a complete telegram waits for pickup.
	telegram    [knx.MaxTelegramSize]byte
	telegramLen int

	nextByteIndex int
	currentByte   int
	checksum      byte
	bitMask       int
	bitTime       int
	parity        bool
	valid         bool
	collision     bool

	// sendCur and sendNext are the two send slots. The buffers stay
	// owned by the caller; sendNext is only ever non nil while sendCur
	// is non nil.
	sendCur         []byte
	sendNext        []byte
	sendAck         byte
	sendTries       int
	sendTelegramLen int
}

// New creates a bus transceiver on the given timer. The capture channel
// carries the receive line, the PWM match channel drives the transmit pin.
// The timeout match channel is derived from the PWM channel.
func New(t timer.Timer, captureChannel, pwmChannel timer.Channel, station Station) *Bus {
	return &Bus{
		timer:          t,
		captureChannel: captureChannel,
		pwmChannel:     pwmChannel,
		timeChannel:    (pwmChannel + 2) & 3,
		station:        station,
		fatal: func() {
			debug.FatalLog.Print("bus: send buffer overflow")
			panic("bus: send buffer overflow")
		},
		state: idle,
	}
}

// OnFatal replaces the handler invoked on a send buffer overflow.
// The handler must not return.
func (b *Bus) OnFatal(f func()) {
	b.fatal = f
}

// Begin loads the own address from the station, configures the timer and
// starts listening on the bus. The timer implementation is expected to have
// the receive line routed to the capture channel and the transmit pin to
// the PWM channel.
func (b *Bus) Begin() {
	b.ownAddr = b.station.OwnAddress()

	b.telegramLen = 0
	b.state = idle
	b.sendAck = 0
	b.sendCur = nil
	b.sendNext = nil
	b.collision = false

	b.timer.PWMEnable(b.pwmChannel)
	b.timer.CaptureMode(b.captureChannel, timer.FallingEdge|timer.Interrupt)
	b.timer.Start()
	b.timer.Interrupts(b.Interrupt)
	b.timer.Prescaler(b.timer.ClockFrequency()/1000000 - 1)

	b.timer.SetMatch(b.timeChannel, 0xfffe)
	b.timer.MatchMode(b.timeChannel, timer.Reset)
	b.timer.SetMatch(b.pwmChannel, 0xffff)

	debug.InfoLog.Printf("bus: listening, own address %s", knx.PhysAddr(b.ownAddr))
}

// idleState arms the capture channel and silences both match channels.
func (b *Bus) idleState() {
	b.timer.CaptureMode(b.captureChannel, timer.FallingEdge|timer.Interrupt)

	b.timer.MatchMode(b.timeChannel, timer.Reset)
	b.timer.SetMatch(b.timeChannel, 0xfffe)
	b.timer.SetMatch(b.pwmChannel, 0xffff)

	b.state = idle
	b.sendAck = 0
}

// handleTelegram is called when the inter telegram timeout expires. It
// decides the acknowledgement, publishes the telegram and schedules the
// next transmission window.
func (b *Bus) handleTelegram(valid bool) {
	b.sendAck = 0

	if b.collision {
		// A collision occurred. Ignore the received bytes.
	} else if b.nextByteIndex >= 8 && valid {
		destAddr := uint16(b.telegram[3])<<8 | uint16(b.telegram[4])
		processTel := false

		// We ACK the telegram only if it is for us.
		if b.telegram[5]&0x80 != 0 {
			if destAddr == 0 || b.station.IsGroupMember(destAddr) {
				processTel = true
			}
		} else if destAddr == b.ownAddr {
			processTel = true
		}

		if b.station.Promiscuous() {
			b.telegramLen = b.nextByteIndex
		} else if processTel {
			b.telegramLen = b.nextByteIndex
			b.sendAck = knx.Ack
		}
	} else if b.nextByteIndex == 1 {
		// A spike or a bus acknowledgement for our last transmission.
		b.currentByte &= 0xff

		if (b.currentByte == knx.Ack || b.sendTries > 3) && b.sendCur != nil {
			b.sendNextTelegram()
		}
	} else {
		// Wrong checksum, or more than one byte but too short for a
		// telegram.
		b.telegramLen = 0
		b.sendAck = knx.Nack
	}

	// Wait before sending. SEND_INIT cancels if there is nothing to be
	// sent; the wait keeps the application from triggering a send while
	// the bus is in cooldown.
	if b.sendAck != 0 {
		b.timer.SetMatch(b.timeChannel, SendAckWaitTime-PreSendTime)
	} else {
		b.timer.SetMatch(b.timeChannel, SendWaitTime-PreSendTime)
	}
	b.timer.MatchMode(b.timeChannel, timer.Interrupt|timer.Reset)

	b.timer.CaptureMode(b.captureChannel, timer.FallingEdge|timer.Interrupt)

	b.collision = false
	b.state = sendInit
}

// sendNextTelegram signals completion of the current telegram to its owner
// and moves the next telegram up. Called in interrupt context only.
func (b *Bus) sendNextTelegram() {
	b.sendCur[0] = 0
	b.sendCur = b.sendNext
	b.sendNext = nil
	b.sendTries = 0
	b.sendTelegramLen = 0
}

// Interrupt is the timer interrupt handler. It runs to completion on every
// capture or match event, never blocks and never allocates. A state change
// within one invocation may re-enter the dispatch.
func (b *Bus) Interrupt() {
	b.irq.Lock()
	defer b.irq.Unlock()

	var timeout bool
	var time int

dispatch:
	for {
		switch b.state {

		// The bus is idle. Usually we get here on a capture event.
		case idle:
			if !b.timer.Flag(b.captureChannel) {
				break dispatch
			}
			b.nextByteIndex = 0
			b.collision = false
			b.checksum = 0xff
			b.sendAck = 0
			b.valid = true
			fallthrough

		// A start bit is expected to arrive here. A timeout instead
		// means the transmission is over.
		case recvStart:
			if !b.timer.Flag(b.captureChannel) {
				b.handleTelegram(b.valid && b.checksum == 0)
				break dispatch
			}

			b.timer.SetMatch(b.timeChannel, ByteTime)
			b.timer.Restart()
			b.timer.MatchMode(b.timeChannel, timer.Interrupt|timer.Reset)

			b.state = recvByte
			b.currentByte = 0
			b.bitTime = 0
			b.bitMask = 1
			b.parity = true
			break dispatch

		case recvByte:
			timeout = b.timer.Flag(b.timeChannel)

			if timeout {
				time = ByteTime
			} else {
				time = int(b.timer.Capture(b.captureChannel))
			}

			// Bit cells that passed without a pulse are one bits.
			// The final shift skips the cell of this pulse, which
			// stays zero.
			if time >= b.bitTime+BitWaitTime {
				b.bitTime += BitTime
				for time >= b.bitTime+BitWaitTime && b.bitMask <= 0x100 {
					b.currentByte |= b.bitMask
					b.parity = !b.parity

					b.bitTime += BitTime
					b.bitMask <<= 1
				}

				b.bitMask <<= 1
			}

			if timeout { // end of byte
				b.valid = b.valid && b.parity
				if b.nextByteIndex < knx.MaxTelegramSize {
					b.telegram[b.nextByteIndex] = byte(b.currentByte)
					b.nextByteIndex++
					b.checksum ^= byte(b.currentByte)
				}

				// Wait for the next byte's start bit.
				b.state = recvStart
				b.timer.SetMatch(b.timeChannel, BitTime*4)
			}
			break dispatch

		// SEND_INIT is entered some µs before the start bit of the
		// first byte. It is always entered after receiving or sending
		// is done, even if nothing is to be sent.
		case sendInit:
			if b.timer.Flag(b.captureChannel) {
				// Bus input, enter receive mode.
				b.state = idle
				continue dispatch
			}

			if b.sendAck != 0 {
				time = PreSendTime
				b.sendTelegramLen = 0
			} else {
				if b.sendTries > 3 {
					debug.DebugLog.Printf("bus: giving up on telegram after %d tries", b.sendTries)
					b.sendNextTelegram()
				}

				if b.sendCur != nil {
					time = PreSendTime + int((b.sendCur[0]>>2)&3)*BitTime
					b.sendTelegramLen = knx.TelegramSize(b.sendCur) + 1

					if b.sendTries == 1 {
						// First repeat: mark the telegram as repeated and
						// correct the checksum. sendTries is increased here
						// so a later collision does not invert the flag again.
						b.sendCur[0] &^= knx.RepeatFlag
						b.sendCur[b.sendTelegramLen-1] ^= knx.RepeatFlag
						b.sendTries++
					}
				} else {
					b.idleState()
					break dispatch
				}
			}

			b.timer.SetMatch(b.pwmChannel, uint32(time))
			b.timer.SetMatch(b.timeChannel, uint32(time+BitPulseTime))
			b.timer.MatchMode(b.timeChannel, timer.Reset|timer.Interrupt)
			b.timer.CaptureMode(b.captureChannel, timer.FallingEdge|timer.Interrupt)

			b.nextByteIndex = 0
			b.state = sendStartBit
			break dispatch

		// The start bit of the first byte is being sent. The flank of
		// our own start bit arrives through the capture channel. A
		// noticeably earlier capture means somebody else started
		// first; a timeout means our transmit path is broken.
		case sendStartBit:
			if b.timer.Flag(b.captureChannel) {
				if int(b.timer.Value()) < int(b.timer.Match(b.pwmChannel))-10 {
					// Somebody else started first, surrender the bus.
					b.timer.SetMatch(b.pwmChannel, 0xffff)
					b.state = recvStart
					continue dispatch
				}

				b.state = sendBit0
				break dispatch
			} else if b.timer.Flag(b.timeChannel) {
				// Hardware problem: our own pulse was not captured.
				// Keep transmitting anyway.
				debug.ErrorLog.Print("bus: tx pulse not seen on rx, check the bus coupler")
			}
			fallthrough

		case sendBit0:
			if b.sendAck != 0 {
				b.currentByte = int(b.sendAck)
			} else {
				b.currentByte = int(b.sendCur[b.nextByteIndex])
				b.nextByteIndex++
			}

			// Fold the data bits into bit 8 to get odd parity.
			for b.bitMask = 1; b.bitMask < 0x100; b.bitMask <<= 1 {
				if b.currentByte&b.bitMask != 0 {
					b.currentByte ^= 0x100
				}
			}

			b.bitMask = 1
			fallthrough

		case sendBit:
			// Search the next zero bit, counting the one bits for the
			// wait time.
			time = BitTime
			for b.currentByte&b.bitMask != 0 && b.bitMask <= 0x100 {
				b.bitMask <<= 1
				time += BitTime
			}
			b.bitMask <<= 1

			if time <= BitTime {
				b.state = sendBit
			} else {
				// Listen for collisions while the one bits pass.
				b.state = sendBitWait
			}

			if b.bitMask > 0x200 {
				time += BitTime * 3 // stop bit + inter byte gap

				if b.nextByteIndex < b.sendTelegramLen && b.sendAck == 0 {
					b.state = sendBit0
				} else {
					b.state = sendEnd
				}
			}

			if b.state == sendBitWait {
				b.timer.CaptureMode(b.captureChannel, timer.FallingEdge|timer.Interrupt)
			} else {
				b.timer.CaptureMode(b.captureChannel, timer.FallingEdge)
			}

			if b.state == sendEnd {
				b.timer.SetMatch(b.pwmChannel, 0xffff)
			} else {
				b.timer.SetMatch(b.pwmChannel, uint32(time-BitPulseTime))
			}

			b.timer.SetMatch(b.timeChannel, uint32(time))
			break dispatch

		// A capture event while one bits are on the wire. Either our
		// own next zero pulse, or somebody else in case of a collision.
		case sendBitWait:
			if int(b.timer.Capture(b.captureChannel)) < int(b.timer.Match(b.pwmChannel))-BitWaitTime {
				// A collision. Stop sending and ignore the current
				// transmission.
				debug.DebugLog.Print("bus: collision, becoming receiver")
				b.timer.SetMatch(b.pwmChannel, 0xffff)
				b.state = recvByte
				b.collision = true
				break dispatch
			}
			b.state = sendBit
			break dispatch

		case sendEnd:
			b.timer.SetMatch(b.timeChannel, SendWaitTime)
			b.timer.CaptureMode(b.captureChannel, timer.FallingEdge|timer.Interrupt)

			if b.sendAck != 0 {
				b.sendAck = 0
			} else {
				b.sendTries++
			}

			b.state = sendWait
			break dispatch

		// Wait for the acknowledgement, a resend or the next telegram.
		case sendWait:
			if b.timer.Flag(b.captureChannel) && b.timer.Capture(b.captureChannel) < SendAckWaitTime {
				// Ignore bits that arrive too early.
				break dispatch
			}
			// Receiving is handled in SEND_INIT too.
			b.state = sendInit
			continue dispatch

		default:
			b.idleState()
			break dispatch
		}
	}

	b.timer.ResetFlags()
}

// prepareTelegram sets the sender address to our own address and stores the
// checksum at telegram[length].
func (b *Bus) prepareTelegram(telegram []byte, length int) {
	telegram[1] = byte(b.ownAddr >> 8)
	telegram[2] = byte(b.ownAddr)
	telegram[length] = knx.Checksum(telegram[:length])
}

// SendTelegram queues a telegram for transmission and starts sending if the
// bus is idle. The checksum byte is stored at telegram[length]; the slice
// must have room for it.
//
// The buffer stays borrowed by the transceiver until it writes zero into
// telegram[0], which the caller polls before reusing the buffer. The call
// blocks while both send slots are occupied.
func (b *Bus) SendTelegram(telegram []byte, length int) {
	b.prepareTelegram(telegram, length)

	// Wait until there is space in the send queue.
	for b.sendBusy() {
		runtime.Gosched()
	}

	b.irq.Lock()

	if b.sendCur == nil {
		b.sendCur = telegram[:length+1]
	} else if b.sendNext == nil {
		b.sendNext = telegram[:length+1]
	} else {
		// Soft fault: send buffer overflow.
		b.irq.Unlock()
		b.fatal()
		return
	}

	// Start sending if the bus is idle. The lock brackets the state
	// change and the timer re-arm so no capture can slip in between.
	if b.state == idle {
		b.sendTries = 0
		b.state = sendInit

		b.timer.SetMatch(b.timeChannel, 1)
		b.timer.MatchMode(b.timeChannel, timer.Interrupt|timer.Reset)
		b.timer.Restart()
	}

	b.irq.Unlock()
}

// sendBusy reports whether both send slots are occupied.
func (b *Bus) sendBusy() bool {
	b.irq.Lock()
	defer b.irq.Unlock()
	return b.sendNext != nil
}

// Sending reports whether an outbound telegram is queued or on the wire.
func (b *Bus) Sending() bool {
	b.irq.Lock()
	defer b.irq.Unlock()
	return b.sendCur != nil
}

// Idle reports whether the bus is idle and no received telegram waits for
// pickup.
func (b *Bus) Idle() bool {
	b.irq.Lock()
	defer b.irq.Unlock()
	return b.state == idle && b.telegramLen == 0
}

// ReceivedTelegram returns a copy of the received telegram waiting for
// pickup, or nil. The latch stays occupied until DiscardReceivedTelegram
// is called; the interrupt handler overwrites it if the caller does not
// keep up.
func (b *Bus) ReceivedTelegram() []byte {
	b.irq.Lock()
	defer b.irq.Unlock()

	if b.telegramLen == 0 {
		return nil
	}
	tel := make([]byte, b.telegramLen)
	copy(tel, b.telegram[:b.telegramLen])
	return tel
}

// DiscardReceivedTelegram releases the receive latch.
func (b *Bus) DiscardReceivedTelegram() {
	b.irq.Lock()
	b.telegramLen = 0
	b.irq.Unlock()
}
