// Package grpc runs the transfer-queue coordinator's gRPC listener,
// grounded in the teacher's internal/server/grpc (GRPCServer.Run's
// net.Listen / grpc.NewServer(grpc.ChainUnaryInterceptor) / GracefulStop
// shape) but redefined around the coordinator's own RequestSlot/KeepAlive/
// Release RPCs (SPEC_FULL §4.12) instead of the teacher's GophKeeper
// service.
package grpc

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"
	googlegrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/relayforge/relayforge/internal/classad"
	"github.com/relayforge/relayforge/internal/coordinator/auth"
	"github.com/relayforge/relayforge/internal/coordinator/rpc"
	"github.com/relayforge/relayforge/internal/filetransfer/queue"
	"github.com/relayforge/relayforge/internal/logging"
)

// Server implements rpc.QueueServer over an internal/filetransfer/queue.Ledger.
type Server struct {
	address   string
	ledger    *queue.Ledger
	logger    logging.Logger
	jwtSecret []byte
	newLease  func() string
}

// Option configures a Server.
type Option func(*Server)

// WithLeaseIDGenerator overrides the lease-ID generator (tests use a
// deterministic one).
func WithLeaseIDGenerator(f func() string) Option {
	return func(s *Server) { s.newLease = f }
}

// New returns a coordinator gRPC server listening on address, backed by
// ledger and authenticating callers against jwtSecret.
func New(address string, ledger *queue.Ledger, l logging.Logger, jwtSecret []byte, opts ...Option) *Server {
	s := &Server{
		address:   address,
		ledger:    ledger,
		logger:    l.With("module", "coordinator_grpc"),
		jwtSecret: jwtSecret,
		newLease:  defaultLeaseID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run announces address and serves until ctx is cancelled, mirroring the
// teacher's GRPCServer.Run.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := googlegrpc.NewServer(googlegrpc.ChainUnaryInterceptor(s.accessTokenInterceptor))
	rpc.RegisterQueueServer(srv, s)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "stopping coordinator gRPC server")
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "starting coordinator gRPC server", "address", s.address)
	return srv.Serve(listen)
}

type ctxKey string

const queueUserKey ctxKey = "queueUser"

// accessTokenInterceptor authenticates every RPC's calling agent, adapted
// from the teacher's accessTokenInterceptor (which only guarded a single
// method; the coordinator's admission-control boundary guards all three).
func (s *Server) accessTokenInterceptor(ctx context.Context, req interface{}, info *googlegrpc.UnaryServerInfo, handler googlegrpc.UnaryHandler) (interface{}, error) {
	var token string
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		values := md.Get("access_token")
		if len(values) > 0 {
			token = values[0]
		}
	}
	if token == "" {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	queueUser, err := auth.QueueUserFromToken(token, s.jwtSecret)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	ctx = context.WithValue(ctx, queueUserKey, queueUser)
	return handler(ctx, req)
}

// RequestSlot implements rpc.QueueServer.
func (s *Server) RequestSlot(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	attrs := classad.FromProto(req)

	direction, _ := attrs.GetString("Direction")
	jobID, _ := attrs.GetString("JobId")
	filename, _ := attrs.GetString("Filename")
	sandboxBytes, _ := attrs.GetInt("SandboxBytesEstimate")
	keepAliveSeconds, _ := attrs.GetInt("KeepAliveSeconds")

	queueUser := queueUserFromContext(ctx)
	id := s.newLease()

	lease := s.ledger.RequestSlot(id, queue.Direction(direction), jobID, queueUser, filename,
		sandboxBytes, time.Duration(keepAliveSeconds)*time.Second)

	return leaseResponse(id, lease).Proto(), nil
}

// KeepAlive implements rpc.QueueServer.
func (s *Server) KeepAlive(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	attrs := classad.FromProto(req)
	id, _ := attrs.GetString("LeaseId")

	lease, ok := s.ledger.KeepAlive(id)
	if !ok {
		return nil, status.Error(codes.NotFound, "unknown lease")
	}
	return leaseResponse(id, lease).Proto(), nil
}

// Release implements rpc.QueueServer.
func (s *Server) Release(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	attrs := classad.FromProto(req)
	id, _ := attrs.GetString("LeaseId")
	s.ledger.Release(id)
	return &emptypb.Empty{}, nil
}

func queueUserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(queueUserKey).(string)
	return v
}

func leaseResponse(id string, lease *queue.Lease) *classad.Attrs {
	resp := classad.New()
	resp.SetString("LeaseId", id)
	resp.SetInt("AdjustedKeepAliveSeconds", int64(lease.KeepAlive.Seconds()))

	switch lease.State {
	case queue.GoAhead:
		resp.SetString("Status", "go_ahead")
	case queue.Pending:
		resp.SetString("Status", "pending")
	case queue.Failed:
		resp.SetString("Status", "failure")
		resp.SetInt("HoldCode", int64(lease.HoldCode))
		resp.SetString("HoldReason", lease.HoldCode.String())
	}
	return resp
}

func defaultLeaseID() string {
	return uuid.NewString()
}
