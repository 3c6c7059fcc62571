// Package ioloop drives a tlsio.Connection over a real net.Conn, the thin
// buffered-I/O shim every sans-I/O core needs at its edges. It is not part
// of the engine itself: tlsio.Connection never touches a socket, and
// everything here is just repeatedly calling ProcessTLSRecords, acting on
// whichever Status comes back, and feeding the result to stdin/stdout.
package ioloop

import (
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/tlsio-go/tlsio"
)

// sendBufSize comfortably covers the largest single record this engine ever
// produces (a 16KB fragment plus AEAD/inner-type overhead).
const sendBufSize = 20000

// Run pumps in to the peer as application data and writes whatever the peer
// sends back to out, until the connection closes or a protocol error
// occurs. It returns nil on a graceful close (either side's close_notify,
// or the peer closing the TCP connection once handshake data stops).
func Run(conn *tlsio.Connection, netConn net.Conn, in io.Reader, out io.Writer, logger *zap.Logger) error {
	stdinCh := make(chan []byte, 32)
	go pumpReader(in, stdinCh)

	var buf []byte
	readBuf := make([]byte, 16*1024)
	sendBuf := make([]byte, sendBufSize)
	closeSent := false

	readMore := func() error {
		n, err := netConn.Read(readBuf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		buf = append(buf, readBuf[:n]...)
		return nil
	}

	for {
		status := conn.ProcessTLSRecords(buf)
		buf = buf[status.Discard:]

		if status.Err != nil {
			return status.Err
		}

		switch st := status.State.(type) {
		case tlsio.NeedsMoreTLSData:
			if err := readMore(); err != nil {
				if err == io.EOF {
					return nil
				}
				return err
			}

		case *tlsio.MustEncodeTLSData:
			n, err := st.Encode(sendBuf)
			if err != nil {
				return fmt.Errorf("ioloop: encode: %w", err)
			}
			if _, err := netConn.Write(sendBuf[:n]); err != nil {
				return fmt.Errorf("ioloop: write: %w", err)
			}

		case *tlsio.MustTransmitTLSData:
			if early, ok := st.MayEncryptEarlyData(); ok {
				select {
				case data, chOk := <-stdinCh:
					if chOk {
						n, err := early.Encrypt(data, sendBuf)
						if err != nil {
							return err
						}
						if _, err := netConn.Write(sendBuf[:n]); err != nil {
							return fmt.Errorf("ioloop: write: %w", err)
						}
					}
				default:
				}
			}
			if err := st.Done(); err != nil {
				return err
			}

		case *tlsio.AppDataAvailable:
			rec, ok, err := st.NextRecord()
			if err != nil {
				return err
			}
			if ok && len(rec.Payload) > 0 {
				if _, err := out.Write(rec.Payload); err != nil {
					return err
				}
			}

		case *tlsio.EarlyDataAvailable:
			rec, ok, err := st.NextRecord()
			if err != nil {
				return err
			}
			if ok && len(rec.Payload) > 0 {
				if _, err := out.Write(rec.Payload); err != nil {
					return err
				}
			}

		case tlsio.TrafficTransit:
			select {
			case data, ok := <-stdinCh:
				guard := st.MayEncryptAppData()
				if !ok {
					if !closeSent {
						n, err := guard.QueueCloseNotify(sendBuf)
						if err != nil {
							return err
						}
						if _, err := netConn.Write(sendBuf[:n]); err != nil {
							return fmt.Errorf("ioloop: write: %w", err)
						}
						closeSent = true
					}
					// in is exhausted; from here on only read from the peer.
					stdinCh = nil
				} else {
					n, err := guard.Encrypt(data, sendBuf)
					if err != nil {
						return err
					}
					if _, err := netConn.Write(sendBuf[:n]); err != nil {
						return fmt.Errorf("ioloop: write: %w", err)
					}
				}
			default:
				if err := readMore(); err != nil {
					if err == io.EOF {
						return nil
					}
					return err
				}
			}

		case tlsio.ConnectionClosedState:
			logger.Debug("connection closed")
			return nil

		default:
			return fmt.Errorf("ioloop: unexpected connection state %T", st)
		}
	}
}

func pumpReader(in io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}
