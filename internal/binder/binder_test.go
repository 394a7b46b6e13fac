package binder

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vrmoded/internal/component"
	"vrmoded/internal/ipc"
	"vrmoded/internal/vrmode"
)

var listenerID = component.Identity{Package: "com.example.vr", Class: "com.example.vr.Listener"}

type endpoints map[component.Identity]string

func (e endpoints) Endpoint(id component.Identity) (string, bool) {
	p, ok := e[id]
	return p, ok
}

type result struct {
	conn vrmode.Conn
	err  error
}

func bind(t *testing.T, b *Binder, id component.Identity) result {
	t.Helper()
	ch := make(chan result, 1)
	b.Bind(id, 0, func(c vrmode.Conn, err error) { ch <- result{c, err} })
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("bind did not complete")
		return result{}
	}
}

// fakeListener accepts one connection, answers the handshake with reply and
// forwards every later frame on calls.
func fakeListener(t *testing.T, reply func(req *ipc.Message) *ipc.Message) (string, <-chan *ipc.Message, <-chan ipc.HandshakeRequest) {
	t.Helper()
	dir, err := os.MkdirTemp("", "vrb")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	path := filepath.Join(dir, "l.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	calls := make(chan *ipc.Message, 16)
	hello := make(chan ipc.HandshakeRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		req, err := ipc.ReadMessage(conn)
		if err != nil {
			return
		}
		var hs ipc.HandshakeRequest
		if ipc.Decode(req.Payload, &hs) == nil {
			hello <- hs
		}
		if err := reply(req).Write(conn); err != nil {
			return
		}
		for {
			msg, err := ipc.ReadMessage(conn)
			if err != nil {
				close(calls)
				return
			}
			calls <- msg
		}
	}()
	return path, calls, hello
}

func ack(req *ipc.Message) *ipc.Message {
	msg, _ := ipc.NewResponse(ipc.MsgHandshakeAck, req.Header.RequestID, &ipc.HandshakeResponse{ProtocolVersion: ipc.ProtocolVersion})
	return msg
}

func TestBindSendsCalls(t *testing.T) {
	path, calls, hello := fakeListener(t, ack)
	b, err := New(Config{Resolver: endpoints{listenerID: path}})
	require.NoError(t, err)
	defer b.Close()

	r := bind(t, b, listenerID)
	require.NoError(t, r.err)
	defer r.conn.Close()

	hs := <-hello
	assert.Equal(t, listenerID.String(), hs.Listener)
	assert.Equal(t, "vrmoded", hs.ClientName)

	caller := component.Identity{Package: "com.example.app", Class: "com.example.app.Main"}
	require.NoError(t, r.conn.Send(vrmode.Call{Kind: vrmode.CallCallerChanged, Caller: caller}))
	require.NoError(t, r.conn.Send(vrmode.Call{Kind: vrmode.CallModeChanged, Enabled: true}))

	var got []ipc.ListenerCall
	for range 2 {
		select {
		case msg := <-calls:
			require.Equal(t, ipc.MsgListenerCall, msg.Header.Type)
			var lc ipc.ListenerCall
			require.NoError(t, ipc.Decode(msg.Payload, &lc))
			got = append(got, lc)
		case <-time.After(5 * time.Second):
			t.Fatal("call not received")
		}
	}
	assert.Equal(t, []ipc.ListenerCall{
		{Kind: "caller_changed", Caller: caller.String()},
		{Kind: "mode_changed", Enabled: true},
	}, got)
}

func TestBindWithoutEndpoint(t *testing.T) {
	b, err := New(Config{Resolver: endpoints{}})
	require.NoError(t, err)
	defer b.Close()

	r := bind(t, b, listenerID)
	assert.ErrorIs(t, r.err, ErrNoEndpoint)
	assert.Nil(t, r.conn)
}

func TestBindDialFailure(t *testing.T) {
	b, err := New(Config{Resolver: endpoints{listenerID: filepath.Join(t.TempDir(), "missing.sock")}})
	require.NoError(t, err)
	defer b.Close()

	r := bind(t, b, listenerID)
	assert.Error(t, r.err)
}

func TestBindRejectedHandshake(t *testing.T) {
	path, _, _ := fakeListener(t, func(req *ipc.Message) *ipc.Message {
		return ipc.NewErrorMessage(req.Header.RequestID, ipc.ErrNotFound, "wrong listener")
	})
	b, err := New(Config{Resolver: endpoints{listenerID: path}})
	require.NoError(t, err)
	defer b.Close()

	r := bind(t, b, listenerID)
	require.Error(t, r.err)
	assert.Contains(t, r.err.Error(), "wrong listener")
}

func TestConnCloseIsIdempotent(t *testing.T) {
	path, calls, _ := fakeListener(t, ack)
	b, err := New(Config{Resolver: endpoints{listenerID: path}})
	require.NoError(t, err)
	defer b.Close()

	r := bind(t, b, listenerID)
	require.NoError(t, r.err)

	assert.NoError(t, r.conn.Close())
	assert.NoError(t, r.conn.Close())
	assert.ErrorIs(t, r.conn.Send(vrmode.Call{Kind: vrmode.CallModeChanged}), vrmode.ErrNotConnected)

	select {
	case _, ok := <-calls:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not see hang-up")
	}
}

func TestConnNoticesHangUp(t *testing.T) {
	dir, err := os.MkdirTemp("", "vrb")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "l.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		req, err := ipc.ReadMessage(conn)
		if err == nil {
			ack(req).Write(conn)
		}
		conn.Close()
	}()

	b, err := New(Config{Resolver: endpoints{listenerID: path}})
	require.NoError(t, err)
	defer b.Close()

	r := bind(t, b, listenerID)
	require.NoError(t, r.err)
	conn := r.conn.(*Conn)
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("hang-up not detected")
	}
}

func TestNewRequiresResolver(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
