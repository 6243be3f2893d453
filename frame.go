package canbridge

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"
)

// MaxPayload is the classical CAN data length limit. Frames carrying more
// than this are rejected before any transport call.
const MaxPayload = 8

const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canEffMask = 0x1FFFFFFF
	canStdMask = 0x7FF

	// frameWireSize is the size of the kernel struct can_frame.
	frameWireSize = 16
)

// Frame is a single classical CAN frame. The identifier is an opaque
// 11- or 29-bit value supplied by the caller; Extended marks 29-bit ids.
type Frame struct {
	ID       uint32
	Extended bool
	RTR      bool
	Data     []byte
}

// NewFrame creates a Frame and copies the data slice.
func NewFrame(id uint32, data []byte) Frame {
	d := make([]byte, len(data))
	copy(d, data)
	return Frame{
		ID:       id,
		Extended: id > canStdMask,
		Data:     d,
	}
}

// DLC returns the data length code.
func (f Frame) DLC() int {
	return len(f.Data)
}

// Validate rejects frames that cannot go on the wire.
func (f Frame) Validate() error {
	if len(f.Data) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Data))
	}
	if f.Extended {
		if f.ID > canEffMask {
			return fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, f.ID)
		}
	} else if f.ID > canStdMask {
		return fmt.Errorf("%w: 0x%X", ErrInvalidIdentifier, f.ID)
	}
	return nil
}

// MarshalBinary encodes the frame to the Linux struct can_frame layout:
// little-endian id with EFF/RTR flags, dlc at byte 4, data at bytes 8..15.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	buf := make([]byte, frameWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = uint8(len(f.Data))
	copy(buf[8:], f.Data)
	return buf, nil
}

// UnmarshalBinary decodes a frame from the struct can_frame layout.
func (f *Frame) UnmarshalBinary(buf []byte) error {
	if len(buf) < frameWireSize {
		return fmt.Errorf("canbridge: short frame: %d bytes", len(buf))
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	f.Extended = id&canEffFlag != 0
	f.RTR = id&canRtrFlag != 0
	if f.Extended {
		f.ID = id & canEffMask
	} else {
		f.ID = id & canStdMask
	}
	dlc := int(buf[4])
	if dlc > MaxPayload {
		return fmt.Errorf("%w: dlc %d", ErrPayloadTooLarge, dlc)
	}
	f.Data = make([]byte, dlc)
	copy(f.Data, buf[8:8+dlc])
	return nil
}

var (
	yellow = color.New(color.FgHiBlue).SprintfFunc()
	red    = color.New(color.FgRed).SprintfFunc()
	green  = color.New(color.FgGreen).SprintfFunc()
)

func (f Frame) String() string {
	var out strings.Builder
	out.WriteString(fmt.Sprintf("0x%03X", f.ID) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", hexView(f.Data)))
	out.WriteString(" || ")
	out.WriteString(fmt.Sprintf("%-72s", binView(f.Data)))
	out.WriteString(" || ")
	out.WriteString(onlyPrintable(f.Data))
	return out.String()
}

func (f Frame) ColorString() string {
	var out strings.Builder
	out.WriteString(green("0x%03X", f.ID) + " || ")
	out.WriteString(strconv.Itoa(len(f.Data)) + " || ")
	out.WriteString(fmt.Sprintf("%-23s", hexView(f.Data)))
	out.WriteString(" || ")
	out.WriteString(red(fmt.Sprintf("%-72s", binView(f.Data))))
	out.WriteString(" || ")
	out.WriteString(yellow(onlyPrintable(f.Data)))
	return out.String()
}

func hexView(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		out.WriteString(fmt.Sprintf("%02X", b))
		if i != len(data)-1 {
			out.WriteString(" ")
		}
	}
	return out.String()
}

func binView(data []byte) string {
	var out strings.Builder
	for i, b := range data {
		out.WriteString(fmt.Sprintf("%08b", b))
		if i != len(data)-1 {
			out.WriteString(" ")
		}
	}
	return out.String()
}

func onlyPrintable(data []byte) string {
	var out strings.Builder
	for _, b := range data {
		if b < 32 || b > 127 {
			out.WriteString(".")
		} else {
			out.WriteByte(b)
		}
	}
	return out.String()
}
