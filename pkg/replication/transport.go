package replication

import (
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"
	"go.nanomsg.org/mangos/v3/protocol/req"

	// Register all transports (tcp, inproc, ipc, ...)
	_ "go.nanomsg.org/mangos/v3/transport/all"
)

// Socket is the transport surface the backfill service needs. It exists so
// tests can substitute a failing socket without a real listener.
type Socket interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	SetRecvDeadline(d time.Duration) error
	SetSendDeadline(d time.Duration) error
	Listen(addr string) error
	Dial(addr string) error
	Close() error
}

// nngSocket wraps a mangos.Socket to implement Socket
type nngSocket struct {
	sock mangos.Socket
}

func (s *nngSocket) Send(data []byte) error {
	return s.sock.Send(data)
}

func (s *nngSocket) Recv() ([]byte, error) {
	return s.sock.Recv()
}

func (s *nngSocket) SetRecvDeadline(d time.Duration) error {
	return s.sock.SetOption(mangos.OptionRecvDeadline, d)
}

func (s *nngSocket) SetSendDeadline(d time.Duration) error {
	return s.sock.SetOption(mangos.OptionSendDeadline, d)
}

func (s *nngSocket) Listen(addr string) error {
	return s.sock.Listen(addr)
}

func (s *nngSocket) Dial(addr string) error {
	return s.sock.Dial(addr)
}

func (s *nngSocket) Close() error {
	return s.sock.Close()
}

// NewRepSocket creates the primary-side REP socket
func NewRepSocket() (Socket, error) {
	sock, err := rep.NewSocket()
	if err != nil {
		return nil, err
	}
	return &nngSocket{sock: sock}, nil
}

// NewReqSocket creates the replica-side REQ socket
func NewReqSocket() (Socket, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, err
	}
	return &nngSocket{sock: sock}, nil
}
