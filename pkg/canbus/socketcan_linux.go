// +build linux

package canbus

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// socketCANReadTimeout bounds each blocking read so the read loop
	// notices Close.
	socketCANReadTimeout = 100 * time.Millisecond
	socketCANSendBackoff = time.Millisecond
)

// socketCAN implements Bus over a Linux raw CAN socket.
type socketCAN struct {
	fd int

	readCh   chan Frame
	readDone chan struct{}
	readErr  error

	done chan struct{}
	once sync.Once
}

// DialSocketCAN opens a raw CAN socket bound to the given interface (e.g. "can0").
func DialSocketCAN(iface string) (Bus, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, errors.Wrapf(err, "interface %s", iface)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	tv := unix.NsecToTimeval(socketCANReadTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd) // nolint: errcheck
		return nil, errors.Wrap(err, "set read timeout")
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(fd) // nolint: errcheck
		return nil, errors.Wrapf(err, "bind %s", iface)
	}
	s := &socketCAN{
		fd:       fd,
		readCh:   make(chan Frame, loopbackBufSize),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func (s *socketCAN) readLoop() {
	defer close(s.readDone)
	buf := make([]byte, frameSize)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				continue
			}
			s.readErr = err
			return
		}
		if n != frameSize {
			continue
		}
		var f Frame
		if err := f.UnmarshalBinary(buf); err != nil {
			continue
		}
		select {
		case s.readCh <- f:
		case <-s.done:
			return
		}
	}
}

func (s *socketCAN) Send(ctx context.Context, frame Frame) error {
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	buf, err := frame.MarshalBinary()
	if err != nil {
		return err
	}
	for {
		n, err := unix.Write(s.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.ENOBUFS {
			// tx queue full
			select {
			case <-time.After(socketCANSendBackoff):
				continue
			case <-s.done:
				return ErrClosed
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			return err
		}
		if n != len(buf) {
			return errors.New("canbus: short write")
		}
		return nil
	}
}

func (s *socketCAN) Receive(ctx context.Context) (Frame, error) {
	select {
	case <-s.done:
		return Frame{}, ErrClosed
	default:
	}
	select {
	case f := <-s.readCh:
		return f, nil
	case <-s.done:
		return Frame{}, ErrClosed
	case <-s.readDone:
		if s.readErr != nil {
			return Frame{}, s.readErr
		}
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *socketCAN) Close() error {
	err := ErrClosed
	s.once.Do(func() {
		close(s.done)
		// the fd stays open until the read loop is gone so its number
		// cannot be reused under a pending read
		<-s.readDone
		err = unix.Close(s.fd)
	})
	return err
}
