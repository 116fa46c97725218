package socks5

// FrameCodec converts between items of type T and their byte encoding on
// top of the datagram framing.
type FrameCodec[T any] interface {
	// AppendFrame appends the encoding of item to dst.
	AppendFrame(dst []byte, item T) ([]byte, error)
	// DecodeFrame decodes one item from the start of src and returns the
	// unconsumed remainder. ok is false when src does not yet hold a
	// complete frame.
	DecodeFrame(src []byte) (item T, rest []byte, ok bool, err error)
}

const (
	framedReadBufferSize  = 64 << 10
	framedWriteBufferSize = 8 << 10
)

// FramedRelay applies a FrameCodec on top of a UDPRelayConn, pairing each
// decoded item with the source address of the datagram that carried it.
// Like the relay it wraps, it must not be used concurrently.
type FramedRelay[T any] struct {
	relay *UDPRelayConn
	codec FrameCodec[T]

	rbuf    []byte
	pending []byte
	source  Authority
	wbuf    []byte
}

// NewFramed wraps relay with codec.
func NewFramed[T any](relay *UDPRelayConn, codec FrameCodec[T]) *FramedRelay[T] {
	return &FramedRelay[T]{
		relay: relay,
		codec: codec,
		rbuf:  make([]byte, framedReadBufferSize),
		wbuf:  make([]byte, 0, framedWriteBufferSize),
	}
}

// ReadItem returns the next decoded item and the origin of the datagram
// that carried it. A datagram may carry several frames; they are drained
// in order before the next datagram is read. An incomplete frame at the
// tail of a datagram is discarded when the next datagram replaces it.
func (f *FramedRelay[T]) ReadItem() (T, Authority, error) {
	var zero T
	for {
		if len(f.pending) > 0 {
			item, rest, ok, err := f.codec.DecodeFrame(f.pending)
			if err != nil {
				return zero, Authority{}, err
			}
			if ok {
				f.pending = rest
				return item, f.source, nil
			}
		}
		n, src, err := f.relay.RecvFrom(f.rbuf)
		if err != nil {
			return zero, Authority{}, err
		}
		f.pending = f.rbuf[:n]
		f.source = src
	}
}

// WriteItem encodes item and sends it to destination as one datagram.
func (f *FramedRelay[T]) WriteItem(item T, destination Authority) error {
	buf, err := f.codec.AppendFrame(f.wbuf[:0], item)
	if err != nil {
		return err
	}
	f.wbuf = buf
	return f.relay.SendTo(buf, destination)
}

// Close closes the underlying relay.
func (f *FramedRelay[T]) Close() error { return f.relay.Close() }
