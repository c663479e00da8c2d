// Package socketprovider forwards unix sockets from the client into builds
// over BuildKit's SSH forwarding session API.
package socketprovider

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/buildkit/session"
	"github.com/moby/buildkit/session/sshforward"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type ProxyConfig struct {
	// ID is the identifier builds use to request the socket.
	// If empty, the default ID will be used.
	// This must be unique across all proxies in a single [ProxyHandler] instance.
	ID string
	// Dialer establishes a connection to the forwarded socket.
	Dialer DialFn
}

type DialFn func(ctx context.Context) (net.Conn, error)

// ProxyHandler implements the sshforward.SSHServer interface by proxying raw
// bytes between the build and a local socket, such as an ssh agent.
//
// Create one with [NewProxyHandler]
type ProxyHandler struct {
	m map[string]DialFn
}

var (
	_ session.Attachable   = (*ProxyHandler)(nil)
	_ sshforward.SSHServer = (*ProxyHandler)(nil)
)

func UnixDialer(path string) DialFn {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}
}

func NewProxyHandler(configs []ProxyConfig) (*ProxyHandler, error) {
	sp := &ProxyHandler{
		m: make(map[string]DialFn, len(configs)),
	}

	for _, config := range configs {
		id := config.ID
		if id == "" {
			id = sshforward.DefaultID
		}

		if _, ok := sp.m[id]; ok {
			return nil, fmt.Errorf("duplicate socket proxy ID %s", id)
		}
		if config.Dialer == nil {
			return nil, fmt.Errorf("no dialer for socket proxy ID %s", id)
		}
		sp.m[id] = config.Dialer
	}

	return sp, nil
}

// ParseConfig parses a socket forward in the form id[=path].
// When the path is omitted the agent socket from SSH_AUTH_SOCK is used.
func ParseConfig(s string) (ProxyConfig, error) {
	id, p, _ := strings.Cut(s, "=")
	if id == "" {
		return ProxyConfig{}, errors.Errorf("invalid ssh forward %q: missing id", s)
	}

	if p == "" {
		p = os.Getenv("SSH_AUTH_SOCK")
		if p == "" {
			return ProxyConfig{}, errors.Errorf("invalid ssh forward %q: no socket path given and SSH_AUTH_SOCK is not set", s)
		}
	}

	p, err := filepath.Abs(p)
	if err != nil {
		return ProxyConfig{}, errors.Wrapf(err, "invalid ssh forward %q", s)
	}
	if err := checkAccess(p); err != nil {
		return ProxyConfig{}, errors.Wrapf(err, "invalid ssh forward %q", s)
	}

	return ProxyConfig{ID: id, Dialer: UnixDialer(p)}, nil
}

// FromSpecs parses each spec with [ParseConfig] and returns a handler serving all of them.
func FromSpecs(specs []string) (*ProxyHandler, error) {
	configs := make([]ProxyConfig, 0, len(specs))
	for _, s := range specs {
		cfg, err := ParseConfig(s)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return NewProxyHandler(configs)
}

// IDs returns the socket IDs served by the handler.
func (h *ProxyHandler) IDs() []string {
	ids := make([]string, 0, len(h.m))
	for id := range h.m {
		ids = append(ids, id)
	}
	return ids
}

// Register registers the ProxyHandler with the session's gRPC server.
//
// BuildKit connects back to this service when a build step mounts one of the
// forwarded sockets.
func (h *ProxyHandler) Register(srv *grpc.Server) {
	sshforward.RegisterSSHServer(srv, h)
}

// CheckAgent reports whether a socket is forwarded for the requested ID.
func (h *ProxyHandler) CheckAgent(ctx context.Context, req *sshforward.CheckAgentRequest) (*sshforward.CheckAgentResponse, error) {
	id := sshforward.DefaultID
	if req.ID != "" {
		id = req.ID
	}
	if _, ok := h.m[id]; ok {
		return &sshforward.CheckAgentResponse{}, nil
	}

	return nil, fmt.Errorf("no socket forwarded for ID %s", id)
}

// ForwardAgent copies data between the stream and a new connection to the socket.
//
// The socket is selected by the sshforward.KeySSHID metadata on the stream,
// falling back to the default ID.
func (h *ProxyHandler) ForwardAgent(stream sshforward.SSH_ForwardAgentServer) error {
	ctx := stream.Context()

	id := sshforward.DefaultID
	opts, _ := metadata.FromIncomingContext(ctx)
	if v, ok := opts[sshforward.KeySSHID]; ok && len(v) > 0 && v[0] != "" {
		id = v[0]
	}

	dial, ok := h.m[id]
	if !ok {
		return errors.Errorf("no socket forwarded for ID %s", id)
	}

	conn, err := dial(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", id)
	}
	defer conn.Close()

	return sshforward.Copy(ctx, conn, stream, nil)
}
