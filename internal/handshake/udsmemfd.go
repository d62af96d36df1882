package handshake

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/GoldsteinE/memequeue/internal/ringmap"
)

// negotiationMessage accompanies the shared-memory descriptor the owner
// sends to the peer once the region is ready.
var negotiationMessage = []byte("memequeue uds memfd negotiation")

const payloadBufSize = 128

type pendingFD struct {
	counter uint64
	fd      int
}

// udsMemfdResult is the Result produced by UDSMemfd. It also implements
// control.FDExchanger, so EventFDControl can reuse the same socket to
// ferry its two eventfds.
type udsMemfdResult struct {
	file      *os.File
	conn      *net.UnixConn
	listener  *net.UnixListener
	owner     bool
	queueSize int

	counter uint64
	pending []pendingFD
}

func (r *udsMemfdResult) ShmemFD() uintptr { return r.file.Fd() }
func (r *udsMemfdResult) IsOwner() bool    { return r.owner }
func (r *udsMemfdResult) QueueSize() int   { return r.queueSize }

// MarkReady sends the shared memfd to the peer, tagged with the fixed
// negotiation payload. It is a no-op for the peer, which already received
// it during UDSMemfd.
func (r *udsMemfdResult) MarkReady() error {
	if !r.owner {
		return nil
	}
	return r.sendFD(int(r.file.Fd()), negotiationMessage)
}

func (r *udsMemfdResult) Close() error {
	if r.listener != nil {
		_ = r.listener.Close()
	}
	_ = r.conn.Close()
	return r.file.Close()
}

// SendFD ships fd to the peer, tagged with an incrementing little-endian
// counter so the peer can tell it apart from the negotiation message and
// from other descriptor exchanges.
func (r *udsMemfdResult) SendFD(fd int) error {
	r.counter++
	return r.sendFD(fd, counterPayload(r.counter))
}

// RecvFD waits for the next tagged descriptor in sequence, serving it
// from the queue of early arrivals first.
func (r *udsMemfdResult) RecvFD() (int, error) {
	r.counter++
	want := r.counter

	for i, p := range r.pending {
		if p.counter == want {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return p.fd, nil
		}
	}

	for {
		fd, payload, err := recvFD(r.conn)
		if err != nil {
			return 0, err
		}
		if c, ok := parseCounterPayload(payload); ok {
			if c == want {
				return fd, nil
			}
			r.pending = append(r.pending, pendingFD{counter: c, fd: fd})
			continue
		}
		return 0, &MalformedError{Reason: fmt.Sprintf("unexpected message while waiting for exchange #%d: %q", want, payload)}
	}
}

func (r *udsMemfdResult) sendFD(fd int, payload []byte) error {
	oob := unix.UnixRights(fd)
	_, _, err := r.conn.WriteMsgUnix(payload, oob, nil)
	if err != nil {
		return fmt.Errorf("handshake: send fd over socket: %w", err)
	}
	return nil
}

func counterPayload(counter uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, counter)
	return buf
}

func parseCounterPayload(payload []byte) (uint64, bool) {
	if len(payload) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(payload), true
}

func recvFD(conn *net.UnixConn) (int, []byte, error) {
	buf := make([]byte, payloadBufSize)
	oob := make([]byte, unix.CmsgSpace(4))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, fmt.Errorf("handshake: receive fd over socket: %w", err)
	}

	scms, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, fmt.Errorf("handshake: parse control message: %w", err)
	}
	if len(scms) == 0 {
		return 0, nil, &MalformedError{Reason: "message carried no control data"}
	}
	fds, err := unix.ParseUnixRights(&scms[0])
	if err != nil {
		return 0, nil, fmt.Errorf("handshake: parse SCM_RIGHTS: %w", err)
	}
	if len(fds) == 0 {
		return 0, nil, &MalformedError{Reason: "message carried no descriptor"}
	}
	return fds[0], buf[:n], nil
}

// UDSMemfd establishes a queue handshake over a local stream socket at
// sockPath. Whichever side binds the socket first is the owner: it
// accepts one connection, creates an anonymous memfd sized to
// page_size+queueSize, and later sends that descriptor to the peer
// (tagged with a fixed negotiation payload) via MarkReady. The other side
// connects, removes the socket path, and waits for the descriptor.
//
// The same connection is retained and reused by control back ends that
// need to exchange further descriptors (e.g. EventFDControl's eventfds),
// each tagged with an incrementing counter.
func UDSMemfd(sockPath string, queueSize int) (Result, error) {
	listener, conn, owner, err := dialOrBind(sockPath)
	if err != nil {
		return nil, err
	}

	page := ringmap.PageSize()

	if owner {
		queueSize = ringmap.RoundUpToPage(queueSize)

		memfd, err := unix.MemfdCreate("memequeue", 0)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("handshake: memfd_create: %w", err)
		}
		file := os.NewFile(uintptr(memfd), "memequeue")
		if err := file.Truncate(int64(page + queueSize)); err != nil {
			_ = file.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("handshake: size memfd: %w", err)
		}

		return &udsMemfdResult{
			file:      file,
			conn:      conn,
			listener:  listener,
			owner:     true,
			queueSize: queueSize,
		}, nil
	}

	memfd, pending, err := awaitNegotiation(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	file := os.NewFile(uintptr(memfd), "memequeue")
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: stat received memfd: %w", err)
	}
	size := info.Size()
	if size <= int64(page) || (size-int64(page))%int64(page) != 0 {
		_ = file.Close()
		_ = conn.Close()
		return nil, &MalformedError{Reason: fmt.Sprintf("received memfd size %d is not page_size + page-multiple queue", size)}
	}

	return &udsMemfdResult{
		file:      file,
		conn:      conn,
		owner:     false,
		queueSize: int(size) - page,
		pending:   pending,
	}, nil
}

// dialOrBindAttempts/Interval bound how long the connecting side retries
// when it loses the race to bind: the binding side may not have called
// Listen yet.
const (
	dialOrBindAttempts = 50
	dialOrBindInterval = 20 * time.Millisecond
)

func dialOrBind(sockPath string) (*net.UnixListener, *net.UnixConn, bool, error) {
	addr := &net.UnixAddr{Name: sockPath, Net: "unix"}

	listener, err := net.ListenUnix("unix", addr)
	if err == nil {
		rawConn, acceptErr := listener.Accept()
		if acceptErr != nil {
			_ = listener.Close()
			return nil, nil, false, fmt.Errorf("handshake: accept peer connection: %w", acceptErr)
		}
		return listener, rawConn.(*net.UnixConn), true, nil
	}
	if !isAddrInUse(err) {
		return nil, nil, false, fmt.Errorf("handshake: bind %q: %w", sockPath, err)
	}

	var conn *net.UnixConn
	for attempt := 0; ; attempt++ {
		conn, err = net.DialUnix("unix", nil, addr)
		if err == nil {
			break
		}
		if attempt >= dialOrBindAttempts-1 {
			return nil, nil, false, fmt.Errorf("handshake: dial %q: %w", sockPath, err)
		}
		time.Sleep(dialOrBindInterval)
	}
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		_ = conn.Close()
		return nil, nil, false, fmt.Errorf("handshake: unlink %q: %w", sockPath, err)
	}
	return nil, conn, false, nil
}

func isAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

func awaitNegotiation(conn *net.UnixConn) (int, []pendingFD, error) {
	var pending []pendingFD
	for {
		fd, payload, err := recvFD(conn)
		if err != nil {
			return 0, nil, err
		}
		if string(payload) == string(negotiationMessage) {
			return fd, pending, nil
		}
		if c, ok := parseCounterPayload(payload); ok {
			pending = append(pending, pendingFD{counter: c, fd: fd})
			continue
		}
		return 0, nil, &MalformedError{Reason: fmt.Sprintf("unexpected message payload while awaiting negotiation: %q", payload)}
	}
}
