package proxy

import (
	"context"
	"net"
)

// Action is an inspector's verdict on one datagram.
type Action int

const (
	// ActionForward relays the datagram, replaced by the inspector's
	// payload when it returns one.
	ActionForward Action = iota
	// ActionBlock drops the datagram.
	ActionBlock
)

// PacketInspector sees every datagram a relay is about to forward. The
// payload slice is only valid for the duration of the call. Returning an
// error ends the relay.
type PacketInspector interface {
	Inspect(direction Direction, addr *net.UDPAddr, payload []byte) (Action, []byte, error)
}

// InspectorFunc adapts a function to the PacketInspector interface.
type InspectorFunc func(direction Direction, addr *net.UDPAddr, payload []byte) (Action, []byte, error)

func (f InspectorFunc) Inspect(direction Direction, addr *net.UDPAddr, payload []byte) (Action, []byte, error) {
	return f(direction, addr, payload)
}

// Run drives the relay until it fails, the context ends, or the relay is
// closed. A nil inspector forwards every datagram untouched.
func (r *UDPRelay) Run(ctx context.Context, inspector PacketInspector) error {
	for {
		rd, err := r.Recv(ctx)
		if err != nil {
			return err
		}
		if rd == nil {
			continue
		}

		var data []byte
		if inspector != nil {
			action, replacement, err := inspector.Inspect(rd.Direction, rd.Addr, rd.Payload)
			if err != nil {
				r.logger.Debug().Err(err).Stringer("direction", rd.Direction).
					Msg("packet inspector failed")
				return err
			}
			if action == ActionBlock {
				r.logger.Trace().Stringer("direction", rd.Direction).Stringer("addr", rd.Addr).
					Msg("packet inspector blocked datagram")
				continue
			}
			data = replacement
		}

		switch rd.Direction {
		case DirectionSouth:
			err = r.SendToSouth(data, rd.Addr)
		case DirectionNorth:
			err = r.SendToNorth(data, rd.Addr)
		}
		if err != nil {
			return err
		}
	}
}
