package rfmesh

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/tarm/serial"
)

// XBee API frame types, API mode 1 (no escaping).
const (
	apiStart        = 0x7e
	apiATCommand    = 0x08
	apiTxRequest    = 0x10
	apiATResponse   = 0x88
	apiTxStatus     = 0x8b
	apiRxPacket     = 0x90
	apiMaxFrameSize = 0x1000
)

var errBadChecksum = errors.New("xbee: bad frame checksum")

// XBee is a Transport talking to a ZigBee XBee module over its serial API.
type XBee struct {
	port io.ReadWriteCloser

	wlk sync.Mutex

	rlk  sync.Mutex
	recv func(Frame)

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenXBee opens the serial port described by cfg.
func OpenXBee(cfg SerialConfig) (*XBee, error) {
	if cfg.Port == "" {
		return nil, errors.New("xbee: no serial port configured")
	}
	s, err := serial.OpenPort(&serial.Config{Name: cfg.Port, Baud: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Port, err)
	}
	return NewXBee(s), nil
}

// NewXBee runs the API protocol on an already open port.
func NewXBee(port io.ReadWriteCloser) *XBee {
	x := &XBee{port: port, closed: make(chan struct{})}
	go x.readLoop()
	return x
}

func (x *XBee) Send(ctx context.Context, to Address, data []byte) error {
	if len(to) != 8 {
		return fmt.Errorf("xbee: invalid 64 bits address %s", to)
	}
	buf := make([]byte, 0, 14+len(data))
	buf = append(buf, apiTxRequest, 0x00) // frame id 0: no transmit status
	buf = append(buf, to.Bytes()...)
	buf = append(buf, 0xff, 0xfe, 0x00, 0x00) // unknown 16 bits address, max radius, no options
	buf = append(buf, data...)
	return x.write(ctx, buf)
}

func (x *XBee) Query(ctx context.Context, command string, frameID byte) error {
	if len(command) != 2 {
		return fmt.Errorf("xbee: invalid AT command %q", command)
	}
	return x.write(ctx, []byte{apiATCommand, frameID, command[0], command[1]})
}

func (x *XBee) write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-x.closed:
		return net.ErrClosed
	default:
	}

	x.wlk.Lock()
	defer x.wlk.Unlock()

	_, err := x.port.Write(encodeAPIFrame(data))
	return err
}

func (x *XBee) SetReceiver(f func(Frame)) {
	x.rlk.Lock()
	defer x.rlk.Unlock()
	x.recv = f
}

func (x *XBee) Close() error {
	var err error
	x.closeOnce.Do(func() {
		close(x.closed)
		err = x.port.Close()
	})
	return err
}

func (x *XBee) readLoop() {
	r := bufio.NewReader(x.port)

	for {
		data, err := readAPIFrame(r)
		if err != nil {
			if errors.Is(err, errBadChecksum) {
				slog.Debug("[rfmesh] xbee: dropping frame with bad checksum", "event", "rfmesh:xbee:checksum")
				continue
			}
			select {
			case <-x.closed:
			default:
				slog.Error(fmt.Sprintf("[rfmesh] xbee: read failed: %s", err), "event", "rfmesh:xbee:read_fail")
			}
			return
		}

		f, err := parseAPIFrame(data)
		if err != nil {
			slog.Debug(fmt.Sprintf("[rfmesh] xbee: %s", err), "event", "rfmesh:xbee:bad_frame")
			continue
		}
		if f == nil {
			continue
		}

		x.rlk.Lock()
		recv := x.recv
		x.rlk.Unlock()
		if recv != nil {
			recv(f)
		}
	}
}

func apiChecksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return 0xff - sum
}

func encodeAPIFrame(data []byte) []byte {
	buf := make([]byte, 0, len(data)+4)
	buf = append(buf, apiStart)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(data)))
	buf = append(buf, data...)
	return append(buf, apiChecksum(data))
}

// readAPIFrame returns the frame data of the next frame, skipping anything
// before a start delimiter.
func readAPIFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == apiStart {
			break
		}
	}

	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	ln := int(binary.BigEndian.Uint16(hdr[:]))
	if ln == 0 || ln > apiMaxFrameSize {
		return nil, errBadChecksum
	}

	buf := make([]byte, ln+1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if apiChecksum(buf[:ln]) != buf[ln] {
		return nil, errBadChecksum
	}
	return buf[:ln], nil
}

// parseAPIFrame decodes frame data. Frame types that do not concern a Node
// return nil without error.
func parseAPIFrame(data []byte) (Frame, error) {
	switch data[0] {
	case apiRxPacket:
		if len(data) < 12 {
			return nil, fmt.Errorf("short rx frame (%d bytes)", len(data))
		}
		return &RxFrame{From: Address(data[1:9]), Data: data[12:]}, nil
	case apiATResponse:
		if len(data) < 5 {
			return nil, fmt.Errorf("short AT response (%d bytes)", len(data))
		}
		return &ATResponse{
			FrameID:   data[1],
			Command:   string(data[2:4]),
			Status:    data[4],
			Parameter: data[5:],
		}, nil
	case apiTxStatus:
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported frame type 0x%02x", data[0])
}
