package knx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChecksum(t *testing.T) {
	tel := []byte{0xBC, 0x11, 0x01, 0x00, 0x01, 0xE1, 0x00, 0x81}
	cs := Checksum(tel)

	// A telegram including its checksum byte sums to zero.
	require.Equal(t, byte(0), Checksum(append(tel, cs)))

	require.Equal(t, byte(0xff), Checksum(nil))
	require.Equal(t, byte(0x00), Checksum([]byte{0xff}))
}

func TestTelegramSize(t *testing.T) {
	testCases := []struct {
		name string
		tel  []byte
		want int
	}{
		{"one byte payload", []byte{0xBC, 0x11, 0x01, 0x00, 0x01, 0xE1, 0x00, 0x81}, 8},
		{"empty payload nibble", []byte{0xBC, 0x11, 0x01, 0x00, 0x01, 0xE0, 0x00}, 7},
		{"maximum payload", []byte{0xBC, 0x11, 0x01, 0x00, 0x01, 0xEF}, 22},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, TelegramSize(tc.tel))
		})
	}
}

func TestControlByte(t *testing.T) {
	tel := []byte{0xBC, 0x11, 0x01, 0x00, 0x01, 0xE1, 0x00, 0x81}

	require.Equal(t, PriorityLow, TelegramPriority(tel))
	require.False(t, IsRepeated(tel))
	require.True(t, IsGroupAddressed(tel))
	require.Equal(t, uint16(0x1101), SourceAddress(tel))
	require.Equal(t, uint16(0x0001), DestAddress(tel))

	tel[0] &^= RepeatFlag
	require.True(t, IsRepeated(tel))
}

func TestPriorityString(t *testing.T) {
	require.Equal(t, "system", PrioritySystem.String())
	require.Equal(t, "normal", PriorityNormal.String())
	require.Equal(t, "urgent", PriorityUrgent.String())
	require.Equal(t, "low", PriorityLow.String())
	require.Equal(t, "priority(7)", Priority(7).String())
}

func TestPhysAddr(t *testing.T) {
	testCases := []struct {
		in      string
		want    PhysAddr
		wantErr bool
	}{
		{"1.1.5", 0x1105, false},
		{"15.15.255", 0xffff, false},
		{"0.0.0", 0x0000, false},
		{"16.1.5", 0, true},
		{"1.16.5", 0, true},
		{"1.1.256", 0, true},
		{"1.1", 0, true},
		{"1/1/5", 0, true},
		{"a.b.c", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			addr, err := ParsePhysAddr(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidAddress))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, addr)
			require.Equal(t, tc.in, addr.String())
		})
	}
}

func TestGroupAddr(t *testing.T) {
	testCases := []struct {
		in      string
		want    GroupAddr
		wantErr bool
	}{
		{"0/0/1", 0x0001, false},
		{"1/2/3", 0x0a03, false},
		{"31/7/255", 0xffff, false},
		{"32/0/1", 0, true},
		{"1/8/1", 0, true},
		{"1/2/256", 0, true},
		{"1.2.3", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			addr, err := ParseGroupAddr(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidAddress))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, addr)
			require.Equal(t, tc.in, addr.String())
		})
	}
}

func TestDecode(t *testing.T) {
	tel := []byte{0xBC, 0x11, 0x01, 0x00, 0x01, 0xE1, 0x00, 0x81}
	tel = append(tel, Checksum(tel))

	f, err := Decode(tel)
	require.NoError(t, err)
	require.Equal(t, "1.1.1", f.Source)
	require.Equal(t, "0/0/1", f.Destination)
	require.True(t, f.Group)
	require.Equal(t, "low", f.Priority)
	require.False(t, f.Repeated)
	require.Equal(t, "0081", f.Payload)
	require.Equal(t, "bc11010001e1008132", f.Raw)
	require.False(t, f.Time.IsZero())
}

func TestDecodeIndividual(t *testing.T) {
	tel := []byte{0xB8, 0x11, 0x01, 0x11, 0x05, 0x61, 0x43, 0x40}
	tel = append(tel, Checksum(tel))

	f, err := Decode(tel)
	require.NoError(t, err)
	require.Equal(t, "1.1.5", f.Destination)
	require.False(t, f.Group)
	require.Equal(t, "urgent", f.Priority)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0xBC, 0x11, 0x01})
	require.True(t, errors.Is(err, ErrTelegramTooShort))

	tel := []byte{0xBC, 0x11, 0x01, 0x00, 0x01, 0xE1, 0x00, 0x81}
	tel = append(tel, Checksum(tel)^0x01)
	_, err = Decode(tel)
	require.True(t, errors.Is(err, ErrInvalidChecksum))
}
