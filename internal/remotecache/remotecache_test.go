package remotecache

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bitzel-build/bitzel/internal/actioncache"
	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/digest"
)

// fakeServer is a minimal in-process implementation of the ActionCache and
// ByteStream services, standing in for a real remote-cache server the way
// please's own src/remote/remote_test.go spins up a testServer over a real
// TCP listener rather than mocking the client's internals.
type fakeServer struct {
	mu      sync.Mutex
	results map[string]*pb.ActionResult
	blobs   map[string][]byte
}

func newFakeServer() *fakeServer {
	return &fakeServer{results: map[string]*pb.ActionResult{}, blobs: map[string][]byte{}}
}

func (s *fakeServer) GetActionResult(ctx context.Context, req *pb.GetActionResultRequest) (*pb.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.results[req.ActionDigest.Hash]
	if !ok {
		return nil, status.Error(codes.NotFound, "not found")
	}
	return ar, nil
}

func (s *fakeServer) UpdateActionResult(ctx context.Context, req *pb.UpdateActionResultRequest) (*pb.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[req.ActionDigest.Hash] = req.ActionResult
	return req.ActionResult, nil
}

func hashFromResourceName(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		if p == "blobs" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}

func (s *fakeServer) Write(stream bs.ByteStream_WriteServer) error {
	var buf bytes.Buffer
	var name string
	for {
		req, err := stream.Recv()
		if err != nil {
			break
		}
		if req.ResourceName != "" {
			name = req.ResourceName
		}
		buf.Write(req.Data)
		if req.FinishWrite {
			break
		}
	}
	s.mu.Lock()
	s.blobs[hashFromResourceName(name)] = append([]byte{}, buf.Bytes()...)
	s.mu.Unlock()
	return stream.SendAndClose(&bs.WriteResponse{CommittedSize: int64(buf.Len())})
}

func (s *fakeServer) Read(req *bs.ReadRequest, stream bs.ByteStream_ReadServer) error {
	s.mu.Lock()
	b, ok := s.blobs[hashFromResourceName(req.ResourceName)]
	s.mu.Unlock()
	if !ok {
		return status.Error(codes.NotFound, "not found")
	}
	return stream.Send(&bs.ReadResponse{Data: b})
}

func (s *fakeServer) QueryWriteStatus(ctx context.Context, req *bs.QueryWriteStatusRequest) (*bs.QueryWriteStatusResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "QueryWriteStatus not implemented for test")
}

// startFakeServer listens on a random free port and returns its address.
func startFakeServer(t *testing.T) (addr string, fs *fakeServer) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs = newFakeServer()
	srv := grpc.NewServer()
	pb.RegisterActionCacheServer(srv, fs)
	bs.RegisterByteStreamServer(srv, fs)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), fs
}

func newTestClient(t *testing.T) (*Client, *cas.Store) {
	t.Helper()
	addr, _ := startFakeServer(t)
	store, err := cas.New(t.TempDir())
	require.NoError(t, err)
	c, err := Dial(addr, "", store)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, store
}

func TestLookupMissReturnsNoErrorNoHit(t *testing.T) {
	c, _ := newTestClient(t)
	sig := digest.Sum([]byte("absent"))

	result, ok, err := c.Lookup(sig)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, actioncache.Result{}, result)
}

func TestInsertThenLookupRoundTrips(t *testing.T) {
	c, store := newTestClient(t)

	manifestDigest, err := store.Put([]byte("a manifest's gob bytes"))
	require.NoError(t, err)
	sig := digest.Sum([]byte("some-task-signature"))

	require.NoError(t, c.Insert(sig, actioncache.Result{
		SchemaVersion:        actioncache.CurrentSchemaVersion,
		Signature:            sig,
		OutputManifestDigest: manifestDigest,
		ExitCode:             0,
	}))

	// Evict the blob locally so Lookup is forced to refetch it remotely.
	require.NoError(t, store.Remove(manifestDigest))

	result, ok, err := c.Lookup(sig)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifestDigest, result.OutputManifestDigest)
	assert.True(t, store.Contains(manifestDigest))
}

func TestInsertUploadsStdoutAndStderrDigests(t *testing.T) {
	c, store := newTestClient(t)

	manifestDigest, err := store.Put([]byte("manifest"))
	require.NoError(t, err)
	stdoutDigest, err := store.Put([]byte("stdout bytes"))
	require.NoError(t, err)
	sig := digest.Sum([]byte("sig-with-stdout"))

	require.NoError(t, c.Insert(sig, actioncache.Result{
		OutputManifestDigest: manifestDigest,
		StdoutDigest:         stdoutDigest,
		ExitCode:             1,
	}))

	result, ok, err := c.Lookup(sig)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, stdoutDigest, result.StdoutDigest)
}
