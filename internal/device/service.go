// Package device owns every Modbus/TCP connection in the gateway. At most
// one live client exists per configured PLC; all I/O to a PLC is serialized
// behind its lock, so a bit read-modify-write can never tear against a
// concurrent polling read.
package device

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/modbus"
	"github.com/gridpoint/plantgateway/internal/monitoring"
)

// ErrUnknownPLC means the PLC name is not configured. A config error, never
// retried.
var ErrUnknownPLC = errors.New("unknown PLC")

// ConnectError is a failed or throttled reconnect attempt.
type ConnectError struct {
	PLC string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("device %s: connect: %v", e.PLC, e.Err)
}
func (e *ConnectError) Unwrap() error { return e.Err }

// RequestError is a Modbus transport or protocol failure after the socket
// was open.
type RequestError struct {
	PLC string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("device %s: request: %v", e.PLC, e.Err)
}
func (e *RequestError) Unwrap() error { return e.Err }

// Target is the connection endpoint of a configured PLC.
type Target struct {
	Address string
	Port    int
}

// Health is the read-only per-PLC health view.
type Health struct {
	Connected           bool      `json:"connected"`
	LastOK              time.Time `json:"last_ok"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorTS         time.Time `json:"last_error_ts,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type deviceState struct {
	mu sync.Mutex

	client        *modbus.Client
	connectFails  int
	nextConnectAt time.Time

	health Health
}

// Service is the device service singleton. The constructor performs no I/O;
// sockets open lazily on first use.
type Service struct {
	cfg     config.ModbusConfig
	metrics *monitoring.Metrics
	logger  *log.Logger

	mu      sync.RWMutex
	targets map[string]Target
	states  map[string]*deviceState
}

// NewService creates the device service. metrics may be nil.
func NewService(cfg config.ModbusConfig, metrics *monitoring.Metrics) *Service {
	return &Service{
		cfg:     cfg,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[DEVICE] ", log.LstdFlags),
		targets: make(map[string]Target),
		states:  make(map[string]*deviceState),
	}
}

// SetTargets replaces the configured PLC endpoints. Existing sockets for
// removed PLCs are closed.
func (s *Service) SetTargets(targets map[string]Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, st := range s.states {
		if _, keep := targets[name]; !keep {
			st.mu.Lock()
			if st.client != nil {
				st.client.Close()
				st.client = nil
			}
			st.mu.Unlock()
			delete(s.states, name)
		}
	}
	s.targets = make(map[string]Target, len(targets))
	for name, t := range targets {
		s.targets[name] = t
	}
}

func (s *Service) state(plc string) (*deviceState, Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.targets[plc]
	if !ok {
		return nil, Target{}, fmt.Errorf("%w: %s", ErrUnknownPLC, plc)
	}
	st, ok := s.states[plc]
	if !ok {
		st = &deviceState{}
		s.states[plc] = st
	}
	return st, target, nil
}

// ============================================================================
// PUBLIC OPERATIONS
// ============================================================================

// ReadHoldingRegisters reads count registers at the zero-based address.
func (s *Service) ReadHoldingRegisters(plc string, address, count int) ([]uint16, error) {
	var words []uint16
	err := s.withDevice(plc, "read", func(c *modbus.Client) error {
		var err error
		words, err = c.ReadHoldingRegisters(address, count)
		return err
	})
	return words, err
}

// ReadRegister reads one register.
func (s *Service) ReadRegister(plc string, address int) (uint16, error) {
	words, err := s.ReadHoldingRegisters(plc, address, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// ReadBitFromRegister reads one bit of a register.
func (s *Service) ReadBitFromRegister(plc string, address, bit int) (bool, error) {
	if bit < 0 || bit > 15 {
		return false, fmt.Errorf("bit %d out of range [0..15]", bit)
	}
	word, err := s.ReadRegister(plc, address)
	if err != nil {
		return false, err
	}
	return word&(1<<uint(bit)) != 0, nil
}

// WriteRegister writes one register, optionally reading it back to verify.
func (s *Service) WriteRegister(plc string, address int, value uint16, verify bool) error {
	return s.withDevice(plc, "write", func(c *modbus.Client) error {
		if err := c.WriteSingleRegister(address, value); err != nil {
			return err
		}
		if verify {
			words, err := c.ReadHoldingRegisters(address, 1)
			if err != nil {
				return err
			}
			if words[0] != value {
				return fmt.Errorf("write verify mismatch at %d: wrote %d, read %d", address, value, words[0])
			}
		}
		return nil
	})
}

// WriteBitInRegister performs an atomic read-modify-write of a single bit
// under the per-PLC lock. value must be 0 or 1. With verify the targeted bit
// is read back and compared.
func (s *Service) WriteBitInRegister(plc string, address, bit int, value uint16, verify bool) error {
	if bit < 0 || bit > 15 {
		return fmt.Errorf("bit %d out of range [0..15]", bit)
	}
	if value > 1 {
		return fmt.Errorf("bit value %d out of range {0,1}", value)
	}
	return s.withDevice(plc, "write_bit", func(c *modbus.Client) error {
		words, err := c.ReadHoldingRegisters(address, 1)
		if err != nil {
			return err
		}
		word := words[0]
		mask := uint16(1) << uint(bit)
		if value == 1 {
			word |= mask
		} else {
			word &^= mask
		}
		if err := c.WriteSingleRegister(address, word); err != nil {
			return err
		}
		if verify {
			back, err := c.ReadHoldingRegisters(address, 1)
			if err != nil {
				return err
			}
			got := back[0]&mask != 0
			if got != (value == 1) {
				return fmt.Errorf("bit verify mismatch at %d bit %d", address, bit)
			}
		}
		return nil
	})
}

// HealthSnapshot copies the per-PLC health map.
func (s *Service) HealthSnapshot() map[string]Health {
	s.mu.RLock()
	names := make([]string, 0, len(s.targets))
	for name := range s.targets {
		names = append(names, name)
	}
	s.mu.RUnlock()

	out := make(map[string]Health, len(names))
	for _, name := range names {
		st, _, err := s.state(name)
		if err != nil {
			continue
		}
		st.mu.Lock()
		out[name] = st.health
		st.mu.Unlock()
	}
	return out
}

// CloseAll closes every open socket. Called on shutdown.
func (s *Service) CloseAll() {
	s.mu.RLock()
	states := make([]*deviceState, 0, len(s.states))
	for _, st := range s.states {
		states = append(states, st)
	}
	s.mu.RUnlock()

	for _, st := range states {
		st.mu.Lock()
		if st.client != nil {
			st.client.Close()
			st.client = nil
			st.health.Connected = false
		}
		st.mu.Unlock()
	}
}

// ============================================================================
// SCOPED LOCK
// ============================================================================

// Session holds the per-PLC lock for callers composing multi-step atomic
// sequences. All session operations run without re-acquiring the lock.
type Session struct {
	svc *Service
	plc string
	st  *deviceState
}

// Lock acquires the per-PLC lock. The caller must Unlock.
func (s *Service) Lock(plc string) (*Session, error) {
	st, _, err := s.state(plc)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	return &Session{svc: s, plc: plc, st: st}, nil
}

// Unlock releases the per-PLC lock.
func (sess *Session) Unlock() {
	sess.st.mu.Unlock()
}

// ReadHoldingRegisters reads under the held lock.
func (sess *Session) ReadHoldingRegisters(address, count int) ([]uint16, error) {
	var words []uint16
	err := sess.svc.opLocked(sess.plc, sess.st, "read", func(c *modbus.Client) error {
		var err error
		words, err = c.ReadHoldingRegisters(address, count)
		return err
	})
	return words, err
}

// WriteRegister writes under the held lock.
func (sess *Session) WriteRegister(address int, value uint16) error {
	return sess.svc.opLocked(sess.plc, sess.st, "write", func(c *modbus.Client) error {
		return c.WriteSingleRegister(address, value)
	})
}

// ============================================================================
// INTERNALS
// ============================================================================

func (s *Service) withDevice(plc, op string, fn func(*modbus.Client) error) error {
	st, _, err := s.state(plc)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.opLocked(plc, st, op, fn)
}

// opLocked runs one operation with retry and backoff. Caller holds st.mu.
func (s *Service) opLocked(plc string, st *deviceState, op string, fn func(*modbus.Client) error) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.backoff(attempt - 1))
		}

		client, err := s.ensureConnectedLocked(plc, st)
		if err != nil {
			lastErr = err
			continue
		}

		start := time.Now()
		err = fn(client)
		if s.metrics != nil {
			s.metrics.ModbusRequestSecs.WithLabelValues(plc, op).Observe(time.Since(start).Seconds())
		}
		if err == nil {
			st.health.LastOK = time.Now()
			st.health.ConsecutiveFailures = 0
			st.connectFails = 0
			s.observe(plc, op, "ok")
			if s.metrics != nil {
				s.metrics.DeviceConsecFails.WithLabelValues(plc).Set(0)
			}
			return nil
		}

		// Any failure invalidates the socket so the next attempt reconnects.
		s.recordFailureLocked(plc, st, err)
		s.observe(plc, op, "error")
		lastErr = &RequestError{PLC: plc, Err: err}
	}
	return lastErr
}

// ensureConnectedLocked opens the socket if needed, respecting the reconnect
// backoff window. Inside the window it fails fast without dialing.
func (s *Service) ensureConnectedLocked(plc string, st *deviceState) (*modbus.Client, error) {
	if st.client != nil {
		return st.client, nil
	}
	now := time.Now()
	if now.Before(st.nextConnectAt) {
		return nil, &ConnectError{PLC: plc, Err: fmt.Errorf("reconnect throttled until %s", st.nextConnectAt.Format(time.RFC3339))}
	}

	s.mu.RLock()
	target, ok := s.targets[plc]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPLC, plc)
	}

	addr := fmt.Sprintf("%s:%d", target.Address, target.Port)
	client, err := modbus.Dial(addr, s.cfg.Timeout())
	if err != nil {
		st.connectFails++
		st.nextConnectAt = now.Add(s.backoff(st.connectFails))
		s.recordFailureLocked(plc, st, err)
		s.observe(plc, "connect", "error")
		return nil, &ConnectError{PLC: plc, Err: err}
	}

	st.client = client
	st.connectFails = 0
	st.health.Connected = true
	s.logger.Printf("connected to %s (%s)", plc, addr)
	if s.metrics != nil {
		s.metrics.DeviceConnected.WithLabelValues(plc).Set(1)
	}
	return client, nil
}

func (s *Service) recordFailureLocked(plc string, st *deviceState, err error) {
	if st.client != nil {
		st.client.Close()
		st.client = nil
	}
	st.health.Connected = false
	st.health.ConsecutiveFailures++
	st.health.LastError = err.Error()
	st.health.LastErrorTS = time.Now()
	if s.metrics != nil {
		s.metrics.DeviceConnected.WithLabelValues(plc).Set(0)
		s.metrics.DeviceConsecFails.WithLabelValues(plc).Set(float64(st.health.ConsecutiveFailures))
	}
	s.logger.Printf("%s: %v", plc, err)
}

// backoff returns base·2^n capped at the configured maximum.
func (s *Service) backoff(n int) time.Duration {
	d := s.cfg.Backoff()
	for i := 0; i < n; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff() {
			return s.cfg.MaxBackoff()
		}
	}
	if max := s.cfg.MaxBackoff(); d > max {
		d = max
	}
	return d
}

func (s *Service) observe(plc, op, result string) {
	if s.metrics != nil {
		s.metrics.ModbusRequests.WithLabelValues(plc, op, result).Inc()
	}
}
