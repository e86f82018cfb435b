// Package wire implements the compact binary codec spoken on the board
// link. Control messages travel from the dispatcher to a board; data frames
// travel from a board to the telemetry listener.
//
// The layout is fixed little-endian with a single leading tag byte. Both
// ends of the link are provisioned together, so there is no version
// negotiation; an unknown tag is a hard decode error.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/vehicle-control/vcc/internal/unit"
)

// Message tags.
const (
	tagActuateValve byte = 0x01
	tagSetLed       byte = 0x02
	tagDataFrame    byte = 0x10
)

// Decode errors.
var (
	ErrShortMessage   = errors.New("wire: message truncated")
	ErrTrailingData   = errors.New("wire: trailing bytes after message")
	ErrUnknownTag     = errors.New("wire: unknown message tag")
	ErrBadChannelType = errors.New("wire: invalid channel type")
)

// ControlMessage is a command sent to a board.
type ControlMessage interface {
	controlTag() byte
}

// ActuateValve instructs a board to drive a valve channel. Powered is the
// physical output state; polarity against open/closed is resolved by the
// dispatcher before encoding.
type ActuateValve struct {
	Channel uint32
	Powered bool
}

func (ActuateValve) controlTag() byte { return tagActuateValve }

// SetLed instructs a board to switch an indicator LED.
type SetLed struct {
	Channel uint32
	On      bool
}

func (SetLed) controlTag() byte { return tagSetLed }

// EncodeControl serializes a control message.
func EncodeControl(msg ControlMessage) ([]byte, error) {
	var channel uint32
	var flag bool

	switch m := msg.(type) {
	case ActuateValve:
		channel, flag = m.Channel, m.Powered
	case SetLed:
		channel, flag = m.Channel, m.On
	default:
		return nil, fmt.Errorf("wire: unsupported control message %T", msg)
	}

	buf := make([]byte, 6)
	buf[0] = msg.controlTag()
	binary.LittleEndian.PutUint32(buf[1:5], channel)
	if flag {
		buf[5] = 1
	}
	return buf, nil
}

// DecodeControl parses a control message. The message must fill the buffer
// exactly; trailing bytes are a decode error.
func DecodeControl(data []byte) (ControlMessage, error) {
	if len(data) < 6 {
		return nil, ErrShortMessage
	}
	if len(data) > 6 {
		return nil, fmt.Errorf("%w: %d extra", ErrTrailingData, len(data)-6)
	}

	channel := binary.LittleEndian.Uint32(data[1:5])
	flag := data[5] != 0

	switch data[0] {
	case tagActuateValve:
		return ActuateValve{Channel: channel, Powered: flag}, nil
	case tagSetLed:
		return SetLed{Channel: channel, On: flag}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, data[0])
	}
}

// DataPoint is a single raw channel reading with its record timestamp in
// seconds since the UNIX epoch. The value is uncalibrated; conversion to a
// typed Measurement happens on the receiving computer, which owns the
// calibration parameters.
type DataPoint struct {
	Value       float64
	Timestamp   float64
	Channel     uint32
	ChannelType unit.ChannelType
}

// DataFrame is a batch of data points emitted by one board.
type DataFrame struct {
	BoardID string
	Points  []DataPoint
}

const pointSize = 8 + 8 + 4 + 1

// EncodeDataFrame serializes a telemetry frame.
func EncodeDataFrame(frame DataFrame) ([]byte, error) {
	if len(frame.BoardID) > math.MaxUint8 {
		return nil, fmt.Errorf("wire: board id %q too long", frame.BoardID)
	}
	if len(frame.Points) > math.MaxUint16 {
		return nil, fmt.Errorf("wire: frame of %d points exceeds limit", len(frame.Points))
	}

	buf := make([]byte, 0, 4+len(frame.BoardID)+len(frame.Points)*pointSize)
	buf = append(buf, tagDataFrame, byte(len(frame.BoardID)))
	buf = append(buf, frame.BoardID...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(frame.Points)))

	for _, p := range frame.Points {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Value))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Timestamp))
		buf = binary.LittleEndian.AppendUint32(buf, p.Channel)
		buf = append(buf, byte(p.ChannelType))
	}
	return buf, nil
}

// DecodeDataFrame parses a telemetry frame. The declared point count must
// account for the whole buffer; trailing bytes are a decode error.
func DecodeDataFrame(data []byte) (DataFrame, error) {
	var frame DataFrame

	if len(data) < 2 {
		return frame, ErrShortMessage
	}
	if data[0] != tagDataFrame {
		return frame, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, data[0])
	}

	idLen := int(data[1])
	if len(data) < 2+idLen+2 {
		return frame, ErrShortMessage
	}
	frame.BoardID = string(data[2 : 2+idLen])

	offset := 2 + idLen
	count := int(binary.LittleEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if len(data) < offset+count*pointSize {
		return frame, ErrShortMessage
	}
	if extra := len(data) - (offset + count*pointSize); extra > 0 {
		return frame, fmt.Errorf("%w: %d extra", ErrTrailingData, extra)
	}

	frame.Points = make([]DataPoint, 0, count)
	for i := 0; i < count; i++ {
		p := DataPoint{
			Value:     math.Float64frombits(binary.LittleEndian.Uint64(data[offset : offset+8])),
			Timestamp: math.Float64frombits(binary.LittleEndian.Uint64(data[offset+8 : offset+16])),
			Channel:   binary.LittleEndian.Uint32(data[offset+16 : offset+20]),
		}

		rawType := data[offset+20]
		if rawType > byte(unit.Tc) {
			return DataFrame{}, fmt.Errorf("%w: 0x%02x", ErrBadChannelType, rawType)
		}
		p.ChannelType = unit.ChannelType(rawType)

		frame.Points = append(frame.Points, p)
		offset += pointSize
	}
	return frame, nil
}
