package socketprovider

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/moby/buildkit/session/sshforward"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"
)

// pipeListener is an in-memory net.Listener backed by net.Pipe.
type pipeListener struct {
	mu     sync.Mutex
	closed bool
	ch     chan net.Conn
	done   chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		ch:   make(chan net.Conn),
		done: make(chan struct{}),
	}
}

func (pl *pipeListener) Accept() (net.Conn, error) {
	select {
	case <-pl.done:
		return nil, net.ErrClosed
	case c := <-pl.ch:
		return c, nil
	}
}

func (pl *pipeListener) Dial(ctx context.Context) (net.Conn, error) {
	c1, c2 := net.Pipe()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pl.done:
		return nil, net.ErrClosed
	case pl.ch <- c2:
	}
	return c1, nil
}

func (pl *pipeListener) Close() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if !pl.closed {
		pl.closed = true
		close(pl.done)
	}
	return nil
}

func (pl *pipeListener) Addr() net.Addr {
	return pipeAddr{}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// echoServer answers each json message with what it received and a running count.
type echoServer struct{}

type echoRequest struct {
	Data string `json:"data"`
}

type echoResponse struct {
	Recvd string `json:"recvd"`
	Count int    `json:"count"`
}

func (es *echoServer) Serve(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close()
			dec := json.NewDecoder(conn)
			enc := json.NewEncoder(conn)

			var req echoRequest
			var resp echoResponse
			for i := 1; ; i++ {
				if err := dec.Decode(&req); err != nil {
					return
				}
				resp.Recvd = req.Data
				resp.Count = i
				if err := enc.Encode(&resp); err != nil {
					return
				}
			}
		}()
	}
}

type streamWriter struct {
	stream sshforward.SSH_ForwardAgentClient
}

func (sw *streamWriter) Write(p []byte) (int, error) {
	if err := sw.stream.Send(&sshforward.BytesMessage{Data: p}); err != nil {
		return 0, err
	}
	return len(p), nil
}

type streamReader struct {
	stream sshforward.SSH_ForwardAgentClient
	buf    []byte
}

func (sr *streamReader) Read(p []byte) (int, error) {
	if len(sr.buf) == 0 {
		msg, err := sr.stream.Recv()
		if err != nil {
			return 0, err
		}
		sr.buf = msg.Data
	}
	n := copy(p, sr.buf)
	sr.buf = sr.buf[n:]
	return n, nil
}

func TestProxyHandler(t *testing.T) {
	handlerListener := newPipeListener()
	defer handlerListener.Close()

	echoListener := newPipeListener()
	defer echoListener.Close()
	go (&echoServer{}).Serve(echoListener) //nolint:errcheck

	handler, err := NewProxyHandler([]ProxyConfig{
		{ID: "test", Dialer: echoListener.Dial},
	})
	assert.NilError(t, err)

	srv := grpc.NewServer()
	handler.Register(srv)
	go srv.Serve(handlerListener) //nolint:errcheck
	defer srv.Stop()

	c, err := grpc.Dial("passthrough:///pipe",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return handlerListener.Dial(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	assert.NilError(t, err)
	defer c.Close() //nolint:errcheck

	client := sshforward.NewSSHClient(c)
	ctx := context.Background()

	_, err = client.CheckAgent(ctx, &sshforward.CheckAgentRequest{ID: "does-not-exist"})
	assert.ErrorContains(t, err, "no socket forwarded for ID does-not-exist")

	_, err = client.CheckAgent(ctx, &sshforward.CheckAgentRequest{ID: "test"})
	assert.NilError(t, err)

	ctx = metadata.AppendToOutgoingContext(ctx, sshforward.KeySSHID, "test")
	stream, err := client.ForwardAgent(ctx)
	assert.NilError(t, err)
	defer stream.CloseSend() //nolint:errcheck

	enc := json.NewEncoder(&streamWriter{stream: stream})
	dec := json.NewDecoder(&streamReader{stream: stream})

	for i, data := range []string{"hello, world!", "another message", strings.Repeat("x", 10000)} {
		assert.NilError(t, enc.Encode(&echoRequest{Data: data}))

		var resp echoResponse
		assert.NilError(t, dec.Decode(&resp))
		assert.Equal(t, resp.Recvd, data)
		assert.Equal(t, resp.Count, i+1)
	}
}

func TestNewProxyHandler(t *testing.T) {
	dial := UnixDialer("/does/not/matter")

	_, err := NewProxyHandler([]ProxyConfig{{Dialer: dial}, {ID: sshforward.DefaultID, Dialer: dial}})
	assert.Check(t, cmp.ErrorContains(err, "duplicate socket proxy ID default"))

	_, err = NewProxyHandler([]ProxyConfig{{ID: "x"}})
	assert.Check(t, cmp.ErrorContains(err, "no dialer for socket proxy ID x"))

	h, err := NewProxyHandler([]ProxyConfig{{Dialer: dial}, {ID: "github", Dialer: dial}})
	assert.NilError(t, err)

	ids := h.IDs()
	sort.Strings(ids)
	assert.DeepEqual(t, ids, []string{"default", "github"})
}

func TestParseConfig(t *testing.T) {
	dir := t.TempDir()
	agent := filepath.Join(dir, "agent.sock")
	other := filepath.Join(dir, "other.sock")
	for _, p := range []string{agent, other} {
		assert.NilError(t, os.WriteFile(p, nil, 0o600))
	}

	t.Setenv("SSH_AUTH_SOCK", agent)

	cfg, err := ParseConfig("default")
	assert.NilError(t, err)
	assert.Equal(t, cfg.ID, "default")
	assert.Assert(t, cfg.Dialer != nil)

	cfg, err = ParseConfig("github=" + other)
	assert.NilError(t, err)
	assert.Equal(t, cfg.ID, "github")

	_, err = ParseConfig("=" + agent)
	assert.Check(t, cmp.ErrorContains(err, "missing id"))

	_, err = ParseConfig("github=" + filepath.Join(dir, "missing.sock"))
	assert.Check(t, errors.Is(err, fs.ErrNotExist), "got %v", err)

	_, err = FromSpecs([]string{"a=" + agent, "a=" + other})
	assert.Check(t, cmp.ErrorContains(err, "duplicate socket proxy ID a"))

	h, err := FromSpecs([]string{"default", "github=" + other})
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(h.IDs(), 2))

	t.Setenv("SSH_AUTH_SOCK", "")
	_, err = ParseConfig("default")
	assert.Check(t, cmp.ErrorContains(err, "SSH_AUTH_SOCK is not set"))
}
