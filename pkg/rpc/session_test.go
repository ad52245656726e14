package rpc

import (
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type echoObject struct{}

type echoParams struct {
	Text string `cbor:"text"`
}

func (echoObject) Call(_ *Session, method string, params cbor.RawMessage) (any, Object, error) {
	switch method {
	case "echo":
		var p echoParams
		if err := cbor.Unmarshal(params, &p); err != nil {
			return nil, nil, err
		}
		return echoParams{Text: p.Text}, nil, nil
	case "getChild":
		return nil, echoObject{}, nil
	default:
		return nil, nil, ErrUnimplemented
	}
}

func pipeSessions(t *testing.T, serverBootstrap Object) (client, server *Session) {
	t.Helper()
	c, s := net.Pipe()
	client = NewSession(c, nil)
	server = NewSession(s, serverBootstrap)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestCallRoundTrip(t *testing.T) {
	client, _ := pipeSessions(t, echoObject{})

	ret, err := client.Call(BootstrapID, "echo", echoParams{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	var got echoParams
	if err := cbor.Unmarshal(ret.Results, &got); err != nil {
		t.Fatal(err)
	}
	if got.Text != "hi" {
		t.Errorf("got %q", got.Text)
	}
}

func TestUnimplementedMethod(t *testing.T) {
	client, _ := pipeSessions(t, echoObject{})
	if _, err := client.Call(BootstrapID, "nope", nil); err == nil {
		t.Error("expected error for unimplemented method")
	}
}

func TestUnknownTarget(t *testing.T) {
	client, _ := pipeSessions(t, echoObject{})
	if _, err := client.Call(42, "echo", nil); err == nil {
		t.Error("expected error for unknown capability")
	}
}

func TestExportedCapability(t *testing.T) {
	client, _ := pipeSessions(t, echoObject{})

	ret, err := client.Call(BootstrapID, "getChild", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ret.HasCap {
		t.Fatal("no capability in return")
	}
	if _, err := client.Call(ret.Cap, "echo", echoParams{Text: "child"}); err != nil {
		t.Fatal(err)
	}
}

func TestProxyForwards(t *testing.T) {
	// backend <- middle <- client: the middle session re-exports the
	// backend's bootstrap the way the supervisor re-exports the app view
	backendConn, middleUp := net.Pipe()
	backend := NewSession(backendConn, echoObject{})
	upstream := NewSession(middleUp, nil)
	defer backend.Close()
	defer upstream.Close()

	clientConn, middleDown := net.Pipe()
	proxy := &Proxy{Upstream: upstream, Target: BootstrapID}
	middle := NewSession(middleDown, proxy)
	client := NewSession(clientConn, nil)
	defer middle.Close()
	defer client.Close()

	ret, err := client.Call(BootstrapID, "echo", echoParams{Text: "via proxy"})
	if err != nil {
		t.Fatal(err)
	}
	var got echoParams
	if err := cbor.Unmarshal(ret.Results, &got); err != nil {
		t.Fatal(err)
	}
	if got.Text != "via proxy" {
		t.Errorf("got %q", got.Text)
	}

	// a capability minted by the backend survives the proxy hop
	ret, err = client.Call(BootstrapID, "getChild", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ret.HasCap {
		t.Fatal("no capability forwarded through proxy")
	}
	if _, err := client.Call(ret.Cap, "echo", echoParams{Text: "x"}); err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	client, server := pipeSessions(t, echoObject{})
	server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := client.Call(BootstrapID, "echo", echoParams{Text: "late"}); err == nil {
			t.Error("call after disconnect should fail")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not fail after disconnect")
	}
}
