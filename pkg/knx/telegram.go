// Package knx defines the KNX link layer telegram layout: control byte,
// source and destination addresses, payload area and the inverted XOR
// checksum that terminates every telegram on the wire.
package knx

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTelegramTooShort = errors.New("telegram too short")
	ErrInvalidChecksum  = errors.New("invalid telegram checksum")
	ErrInvalidAddress   = errors.New("invalid knx address")
)

const (
	// MaxTelegramSize is the ceiling of the telegram buffer, including
	// the checksum byte.
	MaxTelegramSize = 23

	// Acknowledgement bytes on the wire.
	Ack  = 0xCC
	Nack = 0x0C
	Busy = 0xC0

	// RepeatFlag is the repeat flag in the control byte:
	// 1 = not repeated, 0 = repeated.
	RepeatFlag = 0x20
)

// Priority is the telegram priority from bits 2..3 of the control byte.
type Priority byte

const (
	PrioritySystem Priority = iota
	PriorityNormal
	PriorityUrgent
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityNormal:
		return "normal"
	case PriorityUrgent:
		return "urgent"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", byte(p))
}

// TelegramSize returns the length of a telegram without the checksum byte,
// derived from the payload length nibble of octet 5.
func TelegramSize(tel []byte) int {
	return 7 + int(tel[5]&15)
}

// Checksum calculates the telegram checksum: 0xff XORed with every octet.
// A received telegram including its checksum byte sums to zero.
func Checksum(tel []byte) byte {
	cs := byte(0xff)
	for _, c := range tel {
		cs ^= c
	}
	return cs
}

// SourceAddress returns the sender physical address from octets 1..2.
func SourceAddress(tel []byte) uint16 {
	return uint16(tel[1])<<8 | uint16(tel[2])
}

// DestAddress returns the destination address from octets 3..4.
func DestAddress(tel []byte) uint16 {
	return uint16(tel[3])<<8 | uint16(tel[4])
}

// IsGroupAddressed reports whether the telegram is addressed to a group
// address (bit 7 of octet 5).
func IsGroupAddressed(tel []byte) bool {
	return tel[5]&0x80 != 0
}

// TelegramPriority returns the priority bits of the control byte.
func TelegramPriority(tel []byte) Priority {
	return Priority((tel[0] >> 2) & 3)
}

// IsRepeated reports whether the telegram is a retransmission.
func IsRepeated(tel []byte) bool {
	return tel[0]&RepeatFlag == 0
}

// PhysAddr is a physical (individual) address: area.line.device.
type PhysAddr uint16

func (a PhysAddr) String() string {
	return fmt.Sprintf("%d.%d.%d", a>>12, (a>>8)&15, a&0xff)
}

// ParsePhysAddr parses a physical address of the form "1.1.5".
func ParsePhysAddr(s string) (PhysAddr, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	v, err := parseAddrParts(parts, 15, 15, 255)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return PhysAddr(v[0]<<12 | v[1]<<8 | v[2]), nil
}

// GroupAddr is a group address: main/middle/sub.
type GroupAddr uint16

func (a GroupAddr) String() string {
	return fmt.Sprintf("%d/%d/%d", a>>11, (a>>8)&7, a&0xff)
}

// ParseGroupAddr parses a group address of the form "1/2/3".
func ParseGroupAddr(s string) (GroupAddr, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	v, err := parseAddrParts(parts, 31, 7, 255)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return GroupAddr(v[0]<<11 | v[1]<<8 | v[2]), nil
}

func parseAddrParts(parts []string, max ...uint64) ([3]uint16, error) {
	var v [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return v, err
		}
		if n > max[i] {
			return v, ErrInvalidAddress
		}
		v[i] = uint16(n)
	}
	return v, nil
}

// Frame is the decoded form of a received telegram, shaped for publication
// to MQTT and the web services.
type Frame struct {
	Time        time.Time `json:"time"`
	Raw         string    `json:"raw"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Group       bool      `json:"group"`
	Priority    string    `json:"priority"`
	Repeated    bool      `json:"repeated"`
	Payload     string    `json:"payload"`
}

// Decode converts a received telegram, including its checksum byte, into a
// Frame.
func Decode(tel []byte) (Frame, error) {
	var f Frame

	if len(tel) < 8 {
		return f, ErrTelegramTooShort
	}
	if Checksum(tel) != 0 {
		return f, ErrInvalidChecksum
	}

	f.Time = time.Now()
	f.Raw = hex.EncodeToString(tel)
	f.Source = PhysAddr(SourceAddress(tel)).String()
	f.Group = IsGroupAddressed(tel)
	if f.Group {
		f.Destination = GroupAddr(DestAddress(tel)).String()
	} else {
		f.Destination = PhysAddr(DestAddress(tel)).String()
	}
	f.Priority = TelegramPriority(tel).String()
	f.Repeated = IsRepeated(tel)
	f.Payload = hex.EncodeToString(tel[6 : len(tel)-1])

	return f, nil
}
