// Package remotecache implements a remote actioncache.Sink backed by the
// Bazel Remote Execution API v2 (spec.md §4.10 "Remote-cache protocol"),
// the protocol decision recorded in DESIGN.md's Open Question 4.
//
// Grounded on please's src/remote package (remote.go's Client/dial/
// capabilities-negotiation shape, blobs.go's ByteStream upload/download
// pair), generalized from please's per-target Action/Command/input-root
// protocol to bitzel's much narrower need: a task signature already is the
// Action digest, so there is no Action/Command message to build, just an
// ActionResult keyed by it. Outputs are represented as a single
// OutputFile entry carrying the Output Manifest's own digest (the
// manifest already enumerates every real output file, so the remote
// cache only ever needs to move that one blob plus the manifest's own
// referenced file blobs, not per-file entries in the ActionResult itself).
package remotecache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	_ "google.golang.org/grpc/encoding/gzip" // registers the gzip compressor at init, matching please's remote client
	"google.golang.org/grpc/status"

	"github.com/bitzel-build/bitzel/internal/actioncache"
	"github.com/bitzel-build/bitzel/internal/cas"
	"github.com/bitzel-build/bitzel/internal/digest"
	"github.com/bitzel-build/bitzel/internal/logging"
)

var log = logging.Log

// dialTimeout bounds the initial connection attempt; reqTimeout bounds
// every individual RPC. Values match please's src/remote constants.
const (
	dialTimeout = 5 * time.Second
	reqTimeout  = 2 * time.Minute
	maxRetries  = 3
	chunkSize   = 128 * 1024
)

// manifestOutputPath is the fixed, synthetic OutputFile path under which
// the Output Manifest's own CAS digest travels inside an ActionResult.
// It can never collide with a real declared output path because bitzel's
// output paths are always relative and this one is not (spec.md §4.5
// reserves no output path starting with "/").
const manifestOutputPath = "/bitzel/manifest"

// Client is a remote actioncache.Sink. It satisfies the same Lookup/Insert
// surface as the local actioncache.Cache, so a Scheduler or Executor can't
// tell the two apart (spec.md §4.10 "pluggable backing store").
type Client struct {
	conn     *grpc.ClientConn
	ac       pb.ActionCacheClient
	bsClient bs.ByteStreamClient
	instance string
	store    *cas.Store // local CAS; Insert reads blobs from it, Lookup writes blobs back into it
}

var _ actioncache.Sink = (*Client)(nil)

// Dial connects to a remote cache server at addr. store is the local CAS
// used to source blob bytes on Insert and to land downloaded blobs on
// Lookup, so a cache hit leaves the manifest readable through the same
// internal/cas.Store the executor already has open.
func Dial(addr, instance string, store *cas.Store) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxRetries))),
	)
	if err != nil {
		return nil, fmt.Errorf("remotecache: dialing %s: %w", addr, err)
	}
	return &Client{
		conn:     conn,
		ac:       pb.NewActionCacheClient(conn),
		bsClient: bs.NewByteStreamClient(conn),
		instance: instance,
		store:    store,
	}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

func toProtoDigest(d digest.Digest) *pb.Digest {
	return &pb.Digest{Hash: d.String(), SizeBytes: d.Size()}
}

func fromProtoDigest(d *pb.Digest) (digest.Digest, error) {
	if d == nil || d.Hash == "" {
		return digest.Digest{}, nil
	}
	return digest.Parse(d.Hash, d.SizeBytes)
}

// Lookup implements actioncache.Sink. A miss (including NotFound from the
// server) is reported as (_, false, nil), matching the local Cache's
// failure semantics: a broken remote cache degrades a build, it never
// fails one (spec.md §4.2 "Failure semantics").
func (c *Client) Lookup(sig digest.Digest) (actioncache.Result, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()
	resp, err := c.ac.GetActionResult(ctx, &pb.GetActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: toProtoDigest(sig),
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return actioncache.Result{}, false, nil
		}
		log.Warning("remotecache: lookup error for %s: %s", sig, err)
		return actioncache.Result{}, false, nil
	}

	var manifestDigest digest.Digest
	for _, f := range resp.OutputFiles {
		if f.Path != manifestOutputPath {
			continue
		}
		manifestDigest, err = fromProtoDigest(f.Digest)
		if err != nil {
			return actioncache.Result{}, false, nil
		}
		if err := c.downloadBlob(ctx, manifestDigest); err != nil {
			log.Warning("remotecache: downloading manifest %s: %s", manifestDigest, err)
			return actioncache.Result{}, false, nil
		}
	}

	stdoutDigest, _ := fromProtoDigest(resp.StdoutDigest)
	stderrDigest, _ := fromProtoDigest(resp.StderrDigest)
	return actioncache.Result{
		SchemaVersion:        actioncache.CurrentSchemaVersion,
		Signature:            sig,
		OutputManifestDigest: manifestDigest,
		ExitCode:              int(resp.ExitCode),
		StdoutDigest:          stdoutDigest,
		StderrDigest:          stderrDigest,
		DurationMs:            0, // the remote API has no duration field; local-only metadata
	}, true, nil
}

// Insert implements actioncache.Sink: it uploads the manifest blob (and
// stdout/stderr blobs, when present) from the local CAS, then publishes
// the ActionResult under sig.
func (c *Client) Insert(sig digest.Digest, r actioncache.Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), reqTimeout)
	defer cancel()

	ar := &pb.ActionResult{ExitCode: int32(r.ExitCode)}
	if !r.OutputManifestDigest.IsZero() {
		if err := c.uploadBlob(ctx, r.OutputManifestDigest); err != nil {
			return fmt.Errorf("remotecache: uploading manifest: %w", err)
		}
		ar.OutputFiles = append(ar.OutputFiles, &pb.OutputFile{
			Path:   manifestOutputPath,
			Digest: toProtoDigest(r.OutputManifestDigest),
		})
	}
	if !r.StdoutDigest.IsZero() {
		if err := c.uploadBlob(ctx, r.StdoutDigest); err != nil {
			return fmt.Errorf("remotecache: uploading stdout: %w", err)
		}
		ar.StdoutDigest = toProtoDigest(r.StdoutDigest)
	}
	if !r.StderrDigest.IsZero() {
		if err := c.uploadBlob(ctx, r.StderrDigest); err != nil {
			return fmt.Errorf("remotecache: uploading stderr: %w", err)
		}
		ar.StderrDigest = toProtoDigest(r.StderrDigest)
	}

	_, err := c.ac.UpdateActionResult(ctx, &pb.UpdateActionResultRequest{
		InstanceName: c.instance,
		ActionDigest: toProtoDigest(sig),
		ActionResult: ar,
	})
	return err
}

// uploadBlob sends the local CAS blob for d over the ByteStream API,
// chunked at chunkSize, mirroring please's reallyStoreByteStream.
func (c *Client) uploadBlob(ctx context.Context, d digest.Digest) error {
	b, err := c.store.Get(d)
	if err != nil {
		return err
	}
	name := c.uploadResourceName(d)
	stream, err := c.bsClient.Write(ctx)
	if err != nil {
		return err
	}
	r := bytes.NewReader(b)
	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, err := r.Read(buf)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if err := stream.Send(&bs.WriteRequest{ResourceName: name, WriteOffset: offset, Data: buf[:n]}); err != nil {
			return err
		}
		offset += int64(n)
	}
	if err := stream.Send(&bs.WriteRequest{FinishWrite: true, WriteOffset: offset}); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

// downloadBlob fetches d from the remote CAS and stores it in the local
// CAS, mirroring please's retrieveByteStream/readByteStream pair.
func (c *Client) downloadBlob(ctx context.Context, d digest.Digest) error {
	if c.store.Contains(d) {
		return nil
	}
	stream, err := c.bsClient.Read(ctx, &bs.ReadRequest{ResourceName: c.downloadResourceName(d)})
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		buf.Write(resp.Data)
	}
	got, err := c.store.Put(buf.Bytes())
	if err != nil {
		return err
	}
	if got != d {
		return fmt.Errorf("remotecache: downloaded blob for %s hashed to %s", d, got)
	}
	return nil
}

// uploadResourceName mints a fresh upload-session token per call, the way
// please's remote client does for its own concurrent blob uploads: the
// ByteStream API treats "uploads/<uuid>/..." as a single write session, and
// reusing a token across two uploads of the same digest (e.g. a retried
// Insert) would let the server conflate them.
func (c *Client) uploadResourceName(d digest.Digest) string {
	name := fmt.Sprintf("uploads/%s/blobs/%s/%d", uuid.NewString(), d.String(), d.Size())
	if c.instance != "" {
		return c.instance + "/" + name
	}
	return name
}

func (c *Client) downloadResourceName(d digest.Digest) string {
	name := fmt.Sprintf("blobs/%s/%d", d.String(), d.Size())
	if c.instance != "" {
		return c.instance + "/" + name
	}
	return name
}
