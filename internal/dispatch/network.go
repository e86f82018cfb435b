package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/vehicle-control/vcc/internal/audit"
	"github.com/vehicle-control/vcc/internal/mapping"
	"github.com/vehicle-control/vcc/internal/metrics"
	"github.com/vehicle-control/vcc/internal/state"
	"github.com/vehicle-control/vcc/internal/unit"
	"github.com/vehicle-control/vcc/internal/wire"
)

// DefaultBoardPort is the UDP port boards listen on for control messages.
const DefaultBoardPort = 8378

// DefaultSendTimeout bounds one board transmission, resolution included.
const DefaultSendTimeout = 2 * time.Second

// Resolver turns a hostname into candidate addresses. Injectable for tests.
type Resolver func(ctx context.Context, host string) ([]net.IPAddr, error)

// EventSink receives dispatch outcomes and transport faults as they
// happen, typically the telemetry hub streaming them to consoles.
type EventSink interface {
	PublishDispatch(node, action, outcome string)
	PublishFault(source, detail string)
}

// NetworkDispatcher is the default dispatcher: sensor reads come straight
// from the state store, valve actuations are serialized and sent to the
// owning board over UDP. The store is never mutated on the actuation path;
// valve state only changes when the board's acknowledgment arrives through
// telemetry.
type NetworkDispatcher struct {
	table   *mapping.Table
	store   *state.Store
	auditor *audit.Logger
	metrics *metrics.Metrics
	events  EventSink

	boardPort   int
	sendTimeout time.Duration
	resolve     Resolver

	mu   sync.Mutex
	conn *net.UDPConn
}

var _ Dispatcher = (*NetworkDispatcher)(nil)

// NetworkOption configures a NetworkDispatcher.
type NetworkOption func(*NetworkDispatcher)

// WithBoardPort overrides the board control port.
func WithBoardPort(port int) NetworkOption {
	return func(d *NetworkDispatcher) { d.boardPort = port }
}

// WithSendTimeout overrides the per-transmission deadline.
func WithSendTimeout(timeout time.Duration) NetworkOption {
	return func(d *NetworkDispatcher) { d.sendTimeout = timeout }
}

// WithResolver overrides hostname resolution.
func WithResolver(resolve Resolver) NetworkOption {
	return func(d *NetworkDispatcher) { d.resolve = resolve }
}

// WithAudit attaches an audit logger.
func WithAudit(logger *audit.Logger) NetworkOption {
	return func(d *NetworkDispatcher) { d.auditor = logger }
}

// WithMetrics attaches metrics collectors.
func WithMetrics(m *metrics.Metrics) NetworkOption {
	return func(d *NetworkDispatcher) { d.metrics = m }
}

// WithEvents attaches a sink for live dispatch and fault events.
func WithEvents(sink EventSink) NetworkOption {
	return func(d *NetworkDispatcher) { d.events = sink }
}

// NewNetworkDispatcher creates the default dispatcher over the shared
// mapping table and state store.
func NewNetworkDispatcher(table *mapping.Table, store *state.Store, opts ...NetworkOption) *NetworkDispatcher {
	d := &NetworkDispatcher{
		table:       table,
		store:       store,
		boardPort:   DefaultBoardPort,
		sendTimeout: DefaultSendTimeout,
		resolve: func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return net.DefaultResolver.LookupIPAddr(ctx, host)
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch implements Dispatcher.
func (d *NetworkDispatcher) Dispatch(ctx context.Context, textID string, action Action) (*unit.Measurement, error) {
	start := time.Now()

	node, ok := d.table.Resolve(textID)
	if !ok {
		d.finish(ctx, textID, action, "UNKNOWN_DEVICE", start)
		return nil, &DeviceError{Code: ErrUnknownDevice, Node: textID}
	}

	switch action.Kind {
	case KindReadSensor:
		m, seen := d.store.GetSensor(textID)
		d.finish(ctx, textID, action, "SUCCESS", start)
		if !seen {
			return nil, nil
		}
		return &m, nil

	case KindActuateValve:
		err := d.actuate(ctx, node, action.Desired)
		outcome := "SUCCESS"
		if err != nil {
			outcome = outcomeFor(err)
		}
		d.finish(ctx, textID, action, outcome, start)
		return nil, err

	default:
		d.finish(ctx, textID, action, "INVALID_ACTION", start)
		return nil, &DeviceError{Code: ErrInvalidAction, Node: textID}
	}
}

func (d *NetworkDispatcher) actuate(ctx context.Context, node mapping.NodeMapping, desired unit.ValveState) error {
	if desired != unit.ValveOpen && desired != unit.ValveClosed {
		return &DeviceError{
			Code:     ErrInvalidAction,
			Node:     node.TextID,
			Original: fmt.Errorf("desired state must be open or closed, got %q", desired),
		}
	}
	if !node.ChannelType.IsValve() {
		return &DeviceError{
			Code:     ErrNotAValve,
			Node:     node.TextID,
			Original: fmt.Errorf("channel type %s is not commandable", node.ChannelType),
		}
	}

	normallyClosed := true
	if node.NormallyClosed != nil {
		normallyClosed = *node.NormallyClosed
	} else {
		// A missing polarity must not fail the actuation outright.
		log.Printf("WARNING: valve %s has no normally_closed mapping; assuming normally closed", node.TextID)
	}

	msg := wire.ActuateValve{
		Channel: node.Channel,
		Powered: PoweredFlag(desired, normallyClosed),
	}
	data, err := wire.EncodeControl(msg)
	if err != nil {
		return &DeviceError{Code: ErrTransport, Node: node.TextID, Original: err}
	}

	if err := d.transmit(ctx, node.BoardID, data); err != nil {
		d.metrics.ObserveTransportFailure()
		d.fault(node.TextID, err)
		return &DeviceError{Code: ErrTransport, Node: node.TextID, Original: err}
	}
	return nil
}

// SendLed switches an auxiliary indicator channel on a board. It shares
// the valve transmit path but bypasses node resolution, since LED channels
// are not part of the mapping table.
func (d *NetworkDispatcher) SendLed(ctx context.Context, boardID string, channel uint32, on bool) error {
	data, err := wire.EncodeControl(wire.SetLed{Channel: channel, On: on})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := d.transmit(ctx, boardID, data); err != nil {
		d.metrics.ObserveTransportFailure()
		d.fault(boardID, err)
		return fmt.Errorf("%w: board %s: %v", ErrTransport, boardID, err)
	}
	return nil
}

// transmit resolves the board address and sends one datagram, bounded by
// the send timeout.
func (d *NetworkDispatcher) transmit(ctx context.Context, boardID string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	addrs, err := d.resolve(ctx, boardID+".local")
	if err != nil {
		return fmt.Errorf("failed to resolve board %s: %w", boardID, err)
	}
	ip, ok := preferIPv4(addrs)
	if !ok {
		return fmt.Errorf("no address found for board %s", boardID)
	}

	conn, err := d.socket()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(d.sendTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set send deadline: %w", err)
	}

	target := &net.UDPAddr{IP: ip.IP, Zone: ip.Zone, Port: d.boardPort}
	if _, err := conn.WriteToUDP(data, target); err != nil {
		return fmt.Errorf("failed to send to board %s at %s: %w", boardID, target, err)
	}
	return nil
}

// socket lazily binds the shared outbound UDP socket.
func (d *NetworkDispatcher) socket() (*net.UDPConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		return d.conn, nil
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to bind control socket: %w", err)
	}
	d.conn = conn
	return conn, nil
}

// Close releases the outbound socket.
func (d *NetworkDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

func (d *NetworkDispatcher) fault(source string, err error) {
	if d.events != nil {
		d.events.PublishFault(source, err.Error())
	}
}

func (d *NetworkDispatcher) finish(ctx context.Context, textID string, action Action, outcome string, start time.Time) {
	d.metrics.ObserveDispatch(action.Kind.String(), outcome)
	if d.events != nil {
		d.events.PublishDispatch(textID, action.Kind.String(), outcome)
	}

	if d.auditor == nil {
		return
	}
	var params map[string]interface{}
	if action.Kind == KindActuateValve {
		params = map[string]interface{}{"desired": action.Desired.String()}
	}
	d.auditor.LogAction(actorFrom(ctx), textID, action.Kind.String(), params, outcome, time.Since(start))
}

// preferIPv4 picks an IPv4 address when one exists, falling back to the
// first result otherwise.
func preferIPv4(addrs []net.IPAddr) (net.IPAddr, bool) {
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a, true
		}
	}
	if len(addrs) > 0 {
		return addrs[0], true
	}
	return net.IPAddr{}, false
}

func outcomeFor(err error) string {
	var devErr *DeviceError
	if errors.As(err, &devErr) {
		return devErr.Code.Error()
	}
	return "ERROR"
}
