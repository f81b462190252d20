package transport

import (
	"errors"
	"sync"
	"time"
)

// ErrWriteTimeout is returned when a pipe write does not fit before its
// deadline.
var ErrWriteTimeout = errors.New("transport: write timeout")

const pipeBuffer = 64

type pipeFrame struct {
	data  []byte
	close *CloseError
}

// PipeEnd is one side of an in-memory Channel pair.
type PipeEnd struct {
	recv <-chan pipeFrame
	send chan<- pipeFrame

	done     chan struct{}
	peerDone <-chan struct{}
	once     sync.Once

	remoteAddr string
}

// Pipe returns two connected ends. Messages written on one are read on the
// other. The server end reports remoteAddr as its peer address.
func Pipe(remoteAddr string) (server, client *PipeEnd) {
	toServer := make(chan pipeFrame, pipeBuffer)
	toClient := make(chan pipeFrame, pipeBuffer)
	server = &PipeEnd{
		recv:       toServer,
		send:       toClient,
		done:       make(chan struct{}),
		remoteAddr: remoteAddr,
	}
	client = &PipeEnd{
		recv:       toClient,
		send:       toServer,
		done:       make(chan struct{}),
		remoteAddr: "pipe",
	}
	server.peerDone = client.done
	client.peerDone = server.done
	return server, client
}

func (p *PipeEnd) next(f pipeFrame) ([]byte, error) {
	if f.close != nil {
		return nil, f.close
	}
	return f.data, nil
}

// ReadMessage returns the next message. Messages queued before the other
// end closed are still delivered.
func (p *PipeEnd) ReadMessage() ([]byte, error) {
	select {
	case f := <-p.recv:
		return p.next(f)
	case <-p.done:
		return nil, ErrClosed
	case <-p.peerDone:
		select {
		case f := <-p.recv:
			return p.next(f)
		default:
			return nil, ErrClosed
		}
	}
}

func (p *PipeEnd) write(f pipeFrame, deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	default:
	}
	select {
	case p.send <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	case <-timeout:
		return ErrWriteTimeout
	}
}

// WriteMessage queues data for the other end.
func (p *PipeEnd) WriteMessage(data []byte, deadline time.Time) error {
	return p.write(pipeFrame{data: append([]byte(nil), data...)}, deadline)
}

// WriteClose queues a close notification for the other end.
func (p *PipeEnd) WriteClose(code int, reason string, deadline time.Time) error {
	return p.write(pipeFrame{close: &CloseError{Code: code, Reason: reason}}, deadline)
}

// Close closes this end. The other end sees ErrClosed once it has drained
// what was already queued.
func (p *PipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// RemoteAddr returns the address given to Pipe for the server end.
func (p *PipeEnd) RemoteAddr() string {
	return p.remoteAddr
}
