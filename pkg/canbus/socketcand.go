package canbus

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultSocketcandPort is the TCP port socketcand listens on by default.
const DefaultSocketcandPort = 29536

const (
	socketcandReadChSize = 64
	socketcandMaxMsgLen  = 256
)

// ErrSocketcand is returned when the daemon answers with an error or an unexpected message.
var ErrSocketcand = errors.New("canbus: socketcand protocol error")

// socketcand implements Bus over a socketcand daemon in raw mode.
type socketcand struct {
	conn net.Conn
	rd   *bufio.Reader
	wMx  sync.Mutex

	readCh   chan Frame
	readDone chan struct{}
	readErr  error

	done chan struct{}
	once sync.Once
}

// DialSocketcand connects to the socketcand daemon at host:port, opens the
// named bus and switches the session to raw mode.
func DialSocketcand(ctx context.Context, host string, port int, bus string) (Bus, error) {
	if port == 0 {
		port = DefaultSocketcandPort
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, errors.Wrap(err, "dial socketcand")
	}
	s, err := newSocketcand(ctx, conn, bus)
	if err != nil {
		conn.Close() // nolint: errcheck
		return nil, err
	}
	return s, nil
}

func newSocketcand(ctx context.Context, conn net.Conn, bus string) (*socketcand, error) {
	s := &socketcand{
		conn:     conn,
		rd:       bufio.NewReader(conn),
		readCh:   make(chan Frame, socketcandReadChSize),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	if err := s.expect("hi"); err != nil {
		return nil, err
	}
	if err := s.command("open " + bus); err != nil {
		return nil, err
	}
	if err := s.command("rawmode"); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	go s.readLoop()
	return s, nil
}

// readMessage returns the content between the next '<' and '>'.
func (s *socketcand) readMessage() (string, error) {
	if _, err := s.rd.ReadString('<'); err != nil {
		return "", err
	}
	msg, err := s.rd.ReadString('>')
	if err != nil {
		return "", err
	}
	if len(msg) > socketcandMaxMsgLen {
		return "", errors.Wrapf(ErrSocketcand, "message too long (%d bytes)", len(msg))
	}
	return strings.TrimSpace(strings.TrimSuffix(msg, ">")), nil
}

func (s *socketcand) expect(want string) error {
	msg, err := s.readMessage()
	if err != nil {
		return err
	}
	if msg != want {
		return errors.Wrapf(ErrSocketcand, "expected %q, got %q", want, msg)
	}
	return nil
}

func (s *socketcand) write(msg string) error {
	s.wMx.Lock()
	defer s.wMx.Unlock()
	_, err := fmt.Fprintf(s.conn, "< %s >", msg)
	return err
}

func (s *socketcand) command(cmd string) error {
	if err := s.write(cmd); err != nil {
		return err
	}
	return s.expect("ok")
}

func (s *socketcand) readLoop() {
	defer close(s.readDone)
	for {
		msg, err := s.readMessage()
		if err != nil {
			s.readErr = err
			return
		}
		fields := strings.Fields(msg)
		if len(fields) == 0 || fields[0] != "frame" {
			// "ok", "echo" and other control replies carry no frame.
			continue
		}
		f, err := parseSocketcandFrame(fields[1:])
		if err != nil {
			continue
		}
		select {
		case s.readCh <- f:
		case <-s.done:
			return
		}
	}
}

// parseSocketcandFrame parses "ID SECS.USECS DATA..." where DATA is hex,
// either as one run or as separate bytes.
func parseSocketcandFrame(fields []string) (Frame, error) {
	if len(fields) < 2 {
		return Frame{}, errors.Wrap(ErrSocketcand, "short frame message")
	}
	id, err := strconv.ParseUint(fields[0], 16, 32)
	if err != nil {
		return Frame{}, errors.Wrap(ErrSocketcand, "bad frame id")
	}
	data, err := hex.DecodeString(strings.Join(fields[2:], ""))
	if err != nil {
		return Frame{}, errors.Wrap(ErrSocketcand, "bad frame data")
	}
	if len(data) > MaxDataLen {
		return Frame{}, ErrInvalidLen
	}
	f := Frame{
		ID:       uint32(id),
		Extended: len(fields[0]) > 3 || id > MaxStdID,
		Len:      uint8(len(data)),
	}
	copy(f.Data[:], data)
	return f, f.Validate()
}

func formatSocketcandSend(f Frame) string {
	var b strings.Builder
	b.WriteString("send ")
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " %d", f.Len)
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

func (s *socketcand) Send(ctx context.Context, frame Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return s.write(formatSocketcandSend(frame))
}

func (s *socketcand) Receive(ctx context.Context) (Frame, error) {
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

func (s *socketcand) Close() error {
	err := ErrClosed
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
