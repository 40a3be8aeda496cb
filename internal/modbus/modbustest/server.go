// Package modbustest provides an in-process Modbus/TCP server with a plain
// register bank. Tests and the plcsim binary use it in place of real PLCs.
package modbustest

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
)

// Server is a minimal Modbus/TCP responder. It answers FC3/FC6/FC16 against
// a 65536-word holding register bank and returns exception 0x01 for anything
// else.
type Server struct {
	listener net.Listener

	mu        sync.Mutex
	registers [65536]uint16
	conns     map[net.Conn]struct{}
	closed    bool
}

// Listen starts a server on addr ("127.0.0.1:0" for an ephemeral port).
func Listen(addr string) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{listener: l, conns: map[net.Conn]struct{}{}}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops the listener and severs every established connection, so
// in-flight clients fail on their next request.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return s.listener.Close()
}

// SetRegister seeds a holding register (zero-based address).
func (s *Server) SetRegister(address int, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[address] = value
}

// Register reads back a holding register (zero-based address).
func (s *Server) Register(address int) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers[address]
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		length := int(binary.BigEndian.Uint16(header[4:6]))
		if length < 2 || length > 256 {
			return
		}
		body := make([]byte, length-1)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}

		resp := s.handle(body)

		out := make([]byte, 7+len(resp))
		copy(out[0:4], header[0:4]) // echo transaction + protocol ids
		binary.BigEndian.PutUint16(out[4:6], uint16(1+len(resp)))
		out[6] = header[6]
		copy(out[7:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *Server) handle(pdu []byte) []byte {
	if len(pdu) == 0 {
		return exception(0, 0x01)
	}
	fc := pdu[0]
	switch fc {
	case 0x03:
		if len(pdu) < 5 {
			return exception(fc, 0x03)
		}
		addr := int(binary.BigEndian.Uint16(pdu[1:3]))
		count := int(binary.BigEndian.Uint16(pdu[3:5]))
		if count < 1 || count > 125 || addr+count > 65536 {
			return exception(fc, 0x02)
		}
		resp := make([]byte, 2+2*count)
		resp[0] = fc
		resp[1] = byte(2 * count)
		s.mu.Lock()
		for i := 0; i < count; i++ {
			binary.BigEndian.PutUint16(resp[2+2*i:4+2*i], s.registers[addr+i])
		}
		s.mu.Unlock()
		return resp

	case 0x06:
		if len(pdu) < 5 {
			return exception(fc, 0x03)
		}
		addr := int(binary.BigEndian.Uint16(pdu[1:3]))
		value := binary.BigEndian.Uint16(pdu[3:5])
		s.mu.Lock()
		s.registers[addr] = value
		s.mu.Unlock()
		return append([]byte(nil), pdu[:5]...)

	case 0x10:
		if len(pdu) < 6 {
			return exception(fc, 0x03)
		}
		addr := int(binary.BigEndian.Uint16(pdu[1:3]))
		count := int(binary.BigEndian.Uint16(pdu[3:5]))
		if count < 1 || count > 123 || addr+count > 65536 || len(pdu) < 6+2*count {
			return exception(fc, 0x02)
		}
		s.mu.Lock()
		for i := 0; i < count; i++ {
			s.registers[addr+i] = binary.BigEndian.Uint16(pdu[6+2*i : 8+2*i])
		}
		s.mu.Unlock()
		resp := make([]byte, 5)
		resp[0] = fc
		copy(resp[1:5], pdu[1:5])
		return resp

	default:
		return exception(fc, 0x01)
	}
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}
