package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/state"
	"github.com/vehicle-control/vcc/internal/unit"
	"github.com/vehicle-control/vcc/internal/wire"
)

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }

func testTable(t *testing.T, mappings ...mapping.NodeMapping) *mapping.Table {
	t.Helper()
	table := mapping.NewTable()
	require.NoError(t, table.Load(mappings))
	return table
}

func valveMapping(nc *bool) mapping.NodeMapping {
	return mapping.NodeMapping{
		TextID:           "vlv1",
		BoardID:          "sam-01",
		ChannelType:      unit.ValveCurrent,
		Channel:          3,
		Computer:         unit.Flight,
		PoweredThreshold: floatPtr(0.2),
		NormallyClosed:   nc,
	}
}

func sensorMapping() mapping.NodeMapping {
	return mapping.NodeMapping{
		TextID:      "pt1",
		BoardID:     "sam-01",
		ChannelType: unit.CurrentLoop,
		Channel:     2,
		Computer:    unit.Flight,
		Max:         floatPtr(1000),
		Min:         floatPtr(0),
	}
}

// boardListener binds a loopback UDP socket standing in for a board.
func boardListener(t *testing.T) (*net.UDPConn, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conn.LocalAddr().(*net.UDPAddr).Port
}

func loopbackResolver(t *testing.T, wantHost string) Resolver {
	return func(ctx context.Context, host string) ([]net.IPAddr, error) {
		if wantHost != "" {
			assert.Equal(t, wantHost, host)
		}
		return []net.IPAddr{{IP: net.IPv4(127, 0, 0, 1)}}, nil
	}
}

func receiveControl(t *testing.T, conn *net.UDPConn) wire.ControlMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 64)
	n, _, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := wire.DecodeControl(buf[:n])
	require.NoError(t, err)
	return msg
}

func TestPoweredFlag(t *testing.T) {
	cases := []struct {
		desired        unit.ValveState
		normallyClosed bool
		want           bool
	}{
		{unit.ValveOpen, true, false},
		{unit.ValveClosed, true, true},
		{unit.ValveOpen, false, true},
		{unit.ValveClosed, false, false},
	}

	for _, tc := range cases {
		name := fmt.Sprintf("%s_nc_%v", tc.desired, tc.normallyClosed)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, PoweredFlag(tc.desired, tc.normallyClosed))
		})
	}
}

func TestDispatchUnknownDevice(t *testing.T) {
	d := NewNetworkDispatcher(testTable(t), state.NewStore(nil),
		WithResolver(func(ctx context.Context, host string) ([]net.IPAddr, error) {
			t.Fatal("no network action may happen for an unknown device")
			return nil, nil
		}))

	_, err := d.Dispatch(context.Background(), "ghost", ActuateValve(unit.ValveOpen))
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestDispatchReadSensor(t *testing.T) {
	store := state.NewStore(nil)
	d := NewNetworkDispatcher(testTable(t, sensorMapping()), store)

	// Unseen sensor: no value, no error.
	m, err := d.Dispatch(context.Background(), "pt1", ReadSensor())
	require.NoError(t, err)
	assert.Nil(t, m)

	store.UpdateSensor("pt1", unit.Measurement{Value: 412.5, Unit: unit.Psi}, 10.0)

	m, err = d.Dispatch(context.Background(), "pt1", ReadSensor())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, unit.Measurement{Value: 412.5, Unit: unit.Psi}, *m)
}

func TestActuateValveTransmitsPoweredFlag(t *testing.T) {
	board, port := boardListener(t)
	store := state.NewStore(nil)

	d := NewNetworkDispatcher(testTable(t, valveMapping(boolPtr(true))), store,
		WithBoardPort(port),
		WithResolver(loopbackResolver(t, "sam-01.local")))
	defer d.Close()

	_, err := d.Dispatch(context.Background(), "vlv1", ActuateValve(unit.ValveOpen))
	require.NoError(t, err)

	msg := receiveControl(t, board)
	assert.Equal(t, wire.ActuateValve{Channel: 3, Powered: false}, msg)

	// The dispatcher never updates state optimistically; only a board
	// acknowledgment does.
	_, seen := store.GetValve("vlv1")
	assert.False(t, seen)
}

func TestActuateValveClosedNormallyClosed(t *testing.T) {
	board, port := boardListener(t)

	d := NewNetworkDispatcher(testTable(t, valveMapping(boolPtr(true))), state.NewStore(nil),
		WithBoardPort(port),
		WithResolver(loopbackResolver(t, "")))
	defer d.Close()

	_, err := d.Dispatch(context.Background(), "vlv1", ActuateValve(unit.ValveClosed))
	require.NoError(t, err)

	msg := receiveControl(t, board)
	assert.Equal(t, wire.ActuateValve{Channel: 3, Powered: true}, msg)
}

func TestActuateValveMissingPolarityDefaultsClosed(t *testing.T) {
	board, port := boardListener(t)

	d := NewNetworkDispatcher(testTable(t, valveMapping(nil)), state.NewStore(nil),
		WithBoardPort(port),
		WithResolver(loopbackResolver(t, "")))
	defer d.Close()

	// Must not fail; defaults to normally closed with a warning.
	_, err := d.Dispatch(context.Background(), "vlv1", ActuateValve(unit.ValveOpen))
	require.NoError(t, err)

	msg := receiveControl(t, board)
	assert.Equal(t, wire.ActuateValve{Channel: 3, Powered: false}, msg)
}

func TestActuateValveRejectsNonValve(t *testing.T) {
	d := NewNetworkDispatcher(testTable(t, sensorMapping()), state.NewStore(nil))

	_, err := d.Dispatch(context.Background(), "pt1", ActuateValve(unit.ValveOpen))
	assert.ErrorIs(t, err, ErrNotAValve)
}

func TestActuateValveRejectsCommandedStates(t *testing.T) {
	d := NewNetworkDispatcher(testTable(t, valveMapping(boolPtr(true))), state.NewStore(nil))

	for _, desired := range []unit.ValveState{unit.ValveCommandedOpen, unit.ValveDisconnected, unit.ValveNoData} {
		_, err := d.Dispatch(context.Background(), "vlv1", ActuateValve(desired))
		assert.ErrorIs(t, err, ErrInvalidAction, "desired %v", desired)
	}
}

func TestActuateValveResolutionFailure(t *testing.T) {
	store := state.NewStore(nil)
	d := NewNetworkDispatcher(testTable(t, valveMapping(boolPtr(true))), store,
		WithResolver(func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return nil, errors.New("no such host")
		}))

	_, err := d.Dispatch(context.Background(), "vlv1", ActuateValve(unit.ValveOpen))
	assert.ErrorIs(t, err, ErrTransport)

	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "vlv1", devErr.Node)

	assert.Equal(t, 0, store.Len())
}

type recordingSink struct {
	dispatches []string
	faults     []string
}

func (s *recordingSink) PublishDispatch(node, action, outcome string) {
	s.dispatches = append(s.dispatches, fmt.Sprintf("%s/%s/%s", node, action, outcome))
}

func (s *recordingSink) PublishFault(source, detail string) {
	s.faults = append(s.faults, source)
}

func TestDispatchPublishesEvents(t *testing.T) {
	board, port := boardListener(t)
	sink := &recordingSink{}

	d := NewNetworkDispatcher(testTable(t, valveMapping(boolPtr(true))), state.NewStore(nil),
		WithBoardPort(port),
		WithResolver(loopbackResolver(t, "")),
		WithEvents(sink))
	defer d.Close()

	_, err := d.Dispatch(context.Background(), "vlv1", ActuateValve(unit.ValveOpen))
	require.NoError(t, err)
	receiveControl(t, board)

	require.Len(t, sink.dispatches, 1)
	assert.Equal(t, "vlv1/actuateValve/SUCCESS", sink.dispatches[0])
	assert.Empty(t, sink.faults)
}

func TestTransportFailurePublishesFault(t *testing.T) {
	sink := &recordingSink{}
	d := NewNetworkDispatcher(testTable(t, valveMapping(boolPtr(true))), state.NewStore(nil),
		WithResolver(func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return nil, errors.New("no such host")
		}),
		WithEvents(sink))

	_, err := d.Dispatch(context.Background(), "vlv1", ActuateValve(unit.ValveOpen))
	require.ErrorIs(t, err, ErrTransport)

	require.Len(t, sink.faults, 1)
	assert.Equal(t, "vlv1", sink.faults[0])
	require.Len(t, sink.dispatches, 1)
	assert.Equal(t, "vlv1/actuateValve/TRANSPORT", sink.dispatches[0])
}

func TestPreferIPv4(t *testing.T) {
	v6 := net.IPAddr{IP: net.ParseIP("fe80::1")}
	v4 := net.IPAddr{IP: net.IPv4(10, 0, 0, 7)}

	got, ok := preferIPv4([]net.IPAddr{v6, v4})
	require.True(t, ok)
	assert.Equal(t, v4, got)

	got, ok = preferIPv4([]net.IPAddr{v6})
	require.True(t, ok)
	assert.Equal(t, v6, got)

	_, ok = preferIPv4(nil)
	assert.False(t, ok)
}

func TestSendLed(t *testing.T) {
	board, port := boardListener(t)

	d := NewNetworkDispatcher(testTable(t), state.NewStore(nil),
		WithBoardPort(port),
		WithResolver(loopbackResolver(t, "sam-02.local")))
	defer d.Close()

	require.NoError(t, d.SendLed(context.Background(), "sam-02", 7, true))

	msg := receiveControl(t, board)
	assert.Equal(t, wire.SetLed{Channel: 7, On: true}, msg)
}

func TestHandlerDispatcher(t *testing.T) {
	var gotID string
	var gotAction Action

	handler := func(textID string, action Action) (*unit.Measurement, error) {
		gotID = textID
		gotAction = action
		return &unit.Measurement{Value: 3.3, Unit: unit.Volts}, nil
	}

	d := NewHandlerDispatcher(handler, nil, nil)

	m, err := d.Dispatch(context.Background(), "rail_3v3", ReadSensor())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 3.3, m.Value)
	assert.Equal(t, "rail_3v3", gotID)
	assert.Equal(t, KindReadSensor, gotAction.Kind)
}

func TestHandlerDispatcherPropagatesError(t *testing.T) {
	handler := func(textID string, action Action) (*unit.Measurement, error) {
		return nil, &DeviceError{Code: ErrUnknownDevice, Node: textID}
	}

	d := NewHandlerDispatcher(handler, nil, nil)
	_, err := d.Dispatch(context.Background(), "ghost", ActuateValve(unit.ValveClosed))
	assert.ErrorIs(t, err, ErrUnknownDevice)
}
