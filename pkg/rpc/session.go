package rpc

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnimplemented is returned by capability methods that exist in the
// interface but have no implementation.
var ErrUnimplemented = errors.New("unimplemented")

// Object is a capability served over a session. A method may return
// plain results, or additionally export another capability which the
// peer can then address by the id in the return message.
type Object interface {
	Call(s *Session, method string, params cbor.RawMessage) (results any, export Object, err error)
}

// Session is one side of a two-party connection. Both sides may expose
// a bootstrap capability and both may originate calls.
type Session struct {
	conn net.Conn

	wmu sync.Mutex // serializes frame writes

	mu         sync.Mutex
	nextSeq    uint32
	calls      map[uint32]chan *Return
	exports    map[uint32]Object
	nextExport uint32
	err        error

	done chan struct{}
}

// NewSession starts serving the connection. bootstrap may be nil for a
// pure client.
func NewSession(conn net.Conn, bootstrap Object) *Session {
	s := &Session{
		conn:       conn,
		calls:      make(map[uint32]chan *Return),
		exports:    map[uint32]Object{BootstrapID: bootstrap},
		nextExport: BootstrapID + 1,
		done:       make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Done is closed when the peer disconnects or the connection fails.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the connection down.
func (s *Session) Close() error { return s.conn.Close() }

// Call invokes a method on the peer's capability with the given id and
// waits for the return. params may be any CBOR-encodable value, or a
// cbor.RawMessage passed through untouched.
func (s *Session) Call(target uint32, method string, params any) (*Return, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	ch := make(chan *Return, 1)
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	seq := s.nextSeq
	s.nextSeq++
	s.calls[seq] = ch
	s.mu.Unlock()

	call := &Call{Seq: seq, Target: target, Method: method, Params: raw}
	if err := s.write(&message{Call: call}); err != nil {
		s.mu.Lock()
		delete(s.calls, seq)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case ret := <-ch:
		if ret.Err != "" {
			return ret, fmt.Errorf("remote %s: %s", method, ret.Err)
		}
		return ret, nil
	case <-s.done:
		return nil, s.Err()
	}
}

// Export registers a capability and returns the id the peer can address
// it by.
func (s *Session) Export(obj Object) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextExport
	s.nextExport++
	s.exports[id] = obj
	return id
}

func (s *Session) write(msg *message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return writeFrame(s.conn, msg)
}

func (s *Session) readLoop() {
	for {
		msg, err := readFrame(s.conn)
		if err != nil {
			s.shutdown(err)
			return
		}
		switch {
		case msg.Call != nil:
			// Each call runs in its own goroutine so a blocking method
			// (getGrainSizeWhenDifferent) does not stall keep-alives on
			// the same connection.
			go s.handleCall(msg.Call)
		case msg.Ret != nil:
			s.mu.Lock()
			ch, ok := s.calls[msg.Ret.Seq]
			delete(s.calls, msg.Ret.Seq)
			s.mu.Unlock()
			if ok {
				ch <- msg.Ret
			}
		}
	}
}

func (s *Session) handleCall(call *Call) {
	ret := &Return{Seq: call.Seq}

	s.mu.Lock()
	obj := s.exports[call.Target]
	s.mu.Unlock()

	if obj == nil {
		ret.Err = fmt.Sprintf("no such capability: %d", call.Target)
	} else {
		results, export, err := obj.Call(s, call.Method, call.Params)
		switch {
		case err != nil:
			ret.Err = err.Error()
		default:
			raw, err := encodeParams(results)
			if err != nil {
				ret.Err = err.Error()
			} else {
				ret.Results = raw
				if export != nil {
					ret.Cap = s.Export(export)
					ret.HasCap = true
				}
			}
		}
	}

	if err := s.write(&message{Ret: ret}); err != nil {
		s.shutdown(err)
	}
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
		close(s.done)
	}
	s.mu.Unlock()
	s.conn.Close()
}

func encodeParams(v any) (cbor.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(cbor.RawMessage); ok {
		return raw, nil
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return cbor.RawMessage(b), nil
}

// Proxy re-exports a capability reachable over another session: calls
// arriving here are forwarded upstream, and capabilities in upstream
// results are wrapped in further proxies. The supervisor uses this to
// hand its clients the app's main view.
type Proxy struct {
	Upstream *Session
	Target   uint32
}

// Call implements Object by forwarding.
func (p *Proxy) Call(_ *Session, method string, params cbor.RawMessage) (any, Object, error) {
	ret, err := p.Upstream.Call(p.Target, method, params)
	if err != nil {
		return nil, nil, err
	}
	var export Object
	if ret.HasCap {
		export = &Proxy{Upstream: p.Upstream, Target: ret.Cap}
	}
	return ret.Results, export, nil
}

// Dial connects to a supervisor socket and returns a client session.
func Dial(path string, bootstrap Object) (*Session, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return NewSession(conn, bootstrap), nil
}
