package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"sitewatch/internal/models"
)

// Wire layout of one frame
const (
	FrameSize     = 71
	DataBlockSize = 32

	Flag uint16 = 0xF0F0

	offCommand  = 2
	offData1    = 4
	offData2    = offData1 + DataBlockSize // 36
	offEndFlag  = offData2 + DataBlockSize // 68
	offChecksum = offEndFlag + 2           // 70
)

// Commands
const (
	CmdReadDigitalIO uint16 = 0x0001
	CmdAutoReport    uint16 = 0x0010
)

// ErrInvalidFrame returned (wrapped) for every decode failure
var ErrInvalidFrame = errors.New("invalid frame")

// Frame decoded protocol message
type Frame struct {
	Command  uint16
	Data1    [DataBlockSize]byte
	Data2    [DataBlockSize]byte
	Checksum byte
}

// Checksum sum of b mod 256
func Checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// Encode builds a 71 byte frame. data1/data2 are truncated or zero padded to 32 bytes.
func Encode(command uint16, data1, data2 []byte) []byte {
	buf := make([]byte, FrameSize)
	binary.BigEndian.PutUint16(buf[0:2], Flag)
	binary.BigEndian.PutUint16(buf[offCommand:offCommand+2], command)
	copy(buf[offData1:offData1+DataBlockSize], data1)
	copy(buf[offData2:offData2+DataBlockSize], data2)
	binary.BigEndian.PutUint16(buf[offEndFlag:offEndFlag+2], Flag)
	buf[offChecksum] = Checksum(buf[:offChecksum])
	return buf
}

// NewReadRequest read-digital-I/O request with zeroed data
func NewReadRequest() []byte {
	return Encode(CmdReadDigitalIO, nil, nil)
}

// Decode validates and decodes the first 71 bytes of b
func Decode(b []byte) (Frame, error) {
	if len(b) < FrameSize {
		return Frame{}, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidFrame, FrameSize, len(b))
	}
	b = b[:FrameSize]
	if !hasFlag(b, 0) {
		return Frame{}, fmt.Errorf("%w: bad start flag % x", ErrInvalidFrame, b[0:2])
	}
	if !hasFlag(b, offEndFlag) {
		return Frame{}, fmt.Errorf("%w: bad end flag % x", ErrInvalidFrame, b[offEndFlag:offEndFlag+2])
	}
	if sum := Checksum(b[:offChecksum]); sum != b[offChecksum] {
		return Frame{}, fmt.Errorf("%w: checksum 0x%02x, want 0x%02x", ErrInvalidFrame, b[offChecksum], sum)
	}

	var f Frame
	f.Command = binary.BigEndian.Uint16(b[offCommand : offCommand+2])
	copy(f.Data1[:], b[offData1:offData1+DataBlockSize])
	copy(f.Data2[:], b[offData2:offData2+DataBlockSize])
	f.Checksum = b[offChecksum]
	return f, nil
}

// Bytes re-encodes the frame
func (f Frame) Bytes() []byte {
	return Encode(f.Command, f.Data1[:], f.Data2[:])
}

// CarriesPinStates reports whether the command has the digital I/O layout
func (f Frame) CarriesPinStates() bool {
	return f.Command == CmdReadDigitalIO || f.Command == CmdAutoReport
}

// Snapshot converts data1[0..11] / data2[0..5] to pin states. Any non-zero byte is "closed".
func (f Frame) Snapshot(key models.DeviceKey, at time.Time) models.PinSnapshot {
	snap := models.PinSnapshot{
		Key:        key,
		Inputs:     make([]bool, models.MaxInputPins),
		Outputs:    make([]bool, models.MaxOutputPins),
		ReceivedAt: at,
	}
	for i := range snap.Inputs {
		snap.Inputs[i] = f.Data1[i] != 0
	}
	for i := range snap.Outputs {
		snap.Outputs[i] = f.Data2[i] != 0
	}
	return snap
}

func hasFlag(b []byte, off int) bool {
	return binary.BigEndian.Uint16(b[off:off+2]) == Flag
}
