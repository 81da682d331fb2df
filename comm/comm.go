/*Package comm provides the datagram transport used to talk to the telescope
control system and the status database.

Both peers are addressed as host:port and may not be resolvable while the
observatory network comes up, so Open retries with an exponential backoff
before giving up.  A Datagram is safe for concurrent use.

	d := comm.NewDatagram("tcc:13025")
	if err := d.Open(ctx); err != nil {
		return err
	}
	defer d.Close()
	err = d.Send(packet)
*/
package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

var (
	// ErrNotConnected is generated when Send is called before Open
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrShortWrite is generated when the kernel accepts part of a datagram
	ErrShortWrite = errors.New("datagram was truncated on send")
)

// Datagram is a connected UDP endpoint
type Datagram struct {
	// Addr is the host:port of the remote
	Addr string

	// Timeout is the write deadline applied to each Send
	Timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewDatagram creates a new, unopened Datagram
func NewDatagram(addr string) *Datagram {
	return &Datagram{Addr: addr, Timeout: time.Second}
}

// Open resolves the remote and connects the socket.  Resolution failures
// are retried with an exponential backoff until it expires or ctx is done.
func (d *Datagram) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return nil
	}
	var conn net.Conn
	op := func() error {
		var err error
		conn, err = net.Dial("udp", d.Addr)
		return err
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
	b.Reset()
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("connecting to %s: %w", d.Addr, err)
	}
	d.conn = conn
	return nil
}

// IsOpen returns true if the socket is connected
func (d *Datagram) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}

// Send writes one datagram to the remote
func (d *Datagram) Send(b []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return ErrNotConnected
	}
	if d.Timeout > 0 {
		d.conn.SetWriteDeadline(time.Now().Add(d.Timeout))
	}
	n, err := d.conn.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return ErrShortWrite
	}
	return nil
}

// Close the connection, nil-ing the conn
func (d *Datagram) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Listen reads datagrams on addr and calls fn with each until ctx is done.
// The slice passed to fn is reused between calls.
func Listen(ctx context.Context, addr string, fn func(from net.Addr, b []byte)) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		pc.Close()
	}()
	buf := make([]byte, 65535)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(from, buf[:n])
	}
}
