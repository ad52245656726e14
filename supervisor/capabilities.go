package supervisor

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/sandstorm-dev/grain-supervisor/pkg/diskwatch"
	"github.com/sandstorm-dev/grain-supervisor/pkg/rpc"
)

// sizeResults carries a grain size over the wire.
type sizeResults struct {
	Size uint64 `cbor:"size"`
}

// sizeWhenDifferentParams is the argument of getGrainSizeWhenDifferent.
type sizeWhenDifferentParams struct {
	OldSize uint64 `cbor:"oldSize"`
}

// supervisorCap is the bootstrap capability on the external socket.
type supervisorCap struct {
	app     *rpc.Session
	watcher *diskwatch.Watcher
}

func (c *supervisorCap) Call(_ *rpc.Session, method string, params cbor.RawMessage) (any, rpc.Object, error) {
	switch method {
	case "getMainView":
		// The app's main view is its bootstrap on the inner session;
		// hand the client a forwarding capability to it.
		return nil, &rpc.Proxy{Upstream: c.app, Target: rpc.BootstrapID}, nil

	case "keepAlive":
		keepAlive.Store(true)
		return nil, nil, nil

	case "shutdown":
		killChildAndExit(0)
		return nil, nil, nil // unreachable

	case "getGrainSize":
		return sizeResults{Size: c.watcher.Size()}, nil, nil

	case "getGrainSizeWhenDifferent":
		var p sizeWhenDifferentParams
		if err := cbor.Unmarshal(params, &p); err != nil {
			return nil, nil, err
		}
		size := <-c.watcher.SizeWhenChanged(p.OldSize)
		return sizeResults{Size: size}, nil, nil

	default:
		return nil, nil, fmt.Errorf("no such method: Supervisor.%s", method)
	}
}

// grainAPI is the bootstrap the supervisor exposes to the app over the
// inner socket. The interface exists; the operations do not yet.
type grainAPI struct{}

func (grainAPI) Call(_ *rpc.Session, method string, _ cbor.RawMessage) (any, rpc.Object, error) {
	switch method {
	case "publish", "registerAction", "shareCap", "shareView":
		return nil, nil, rpc.ErrUnimplemented
	default:
		return nil, nil, fmt.Errorf("no such method: SandstormApi.%s", method)
	}
}
