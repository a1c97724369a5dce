package api

import (
	"context"
	"fmt"
	"net"

	"github.com/cuemby/fate/pkg/fate"
	"github.com/cuemby/fate/pkg/fateerr"
	"github.com/cuemby/fate/pkg/fateid"
	"github.com/cuemby/fate/pkg/log"
	"github.com/cuemby/fate/pkg/metrics"
	"github.com/cuemby/fate/pkg/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Server is a thin grpc RPC façade over a *fate.Fate. Unlike a
// mTLS-secured peer-to-peer surface, this one runs without transport
// security: it is meant to sit behind an operator's own network boundary
// (localhost or a private admin network), not face untrusted clients — see
// DESIGN.md for why mutual TLS was dropped for this surface.
type Server struct {
	fate *fate.Fate
	grpc *grpc.Server
}

// NewServer wraps f in a grpc server with the admin service registered.
func NewServer(f *fate.Fate) *Server {
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(metricsInterceptor))
	s := &Server{fate: f, grpc: grpcServer}
	grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen on %s: %w", addr, err)
	}
	log.Info(fmt.Sprintf("api: grpc admin surface listening on %s", addr))
	return s.grpc.Serve(lis)
}

// Stop gracefully drains in-flight RPCs.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Dial returns a client connection to a Server started with Start, using
// the json codec and no transport security.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
}

func metricsInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	timer := metrics.NewTimer()
	resp, err := handler(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.APIRequestsTotal.WithLabelValues(info.FullMethod, outcome).Inc()
	timer.ObserveDurationVec(metrics.APIRequestDuration, info.FullMethod)
	return resp, err
}

func toWire(tx *store.Tx) TxView {
	v := TxView{
		ID:           tx.ID.String(),
		Status:       string(tx.Status),
		OperationTag: tx.OperationTag,
		Info:         tx.Info,
	}
	for _, step := range tx.Stack {
		v.Stack = append(v.Stack, step.Name)
	}
	if tx.Exception != nil {
		v.ExceptionMsg = tx.Exception.Message
	}
	if !tx.DeferDeadline.IsZero() {
		v.DeferDeadline = tx.DeferDeadline
	}
	return v
}

func (s *Server) list(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	filter := store.Filter{OperationTag: req.OperationTag}
	for _, st := range req.Statuses {
		filter.Statuses = append(filter.Statuses, store.Status(st))
	}
	txs, err := s.fate.AdminList(filter)
	if err != nil {
		return nil, toGRPCErr(err)
	}
	resp := &ListResponse{}
	for _, tx := range txs {
		resp.Transactions = append(resp.Transactions, toWire(tx))
	}
	return resp, nil
}

func (s *Server) get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	id, err := fateid.Parse(req.ID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tx, err := s.fate.Get(id)
	if err != nil {
		return nil, toGRPCErr(err)
	}
	if tx.Status == store.StatusUnknown {
		return nil, status.Errorf(codes.NotFound, "no such transaction: %s", req.ID)
	}
	return &GetResponse{Transaction: toWire(tx)}, nil
}

func (s *Server) cancel(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	id, err := fateid.Parse(req.ID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cancelled, err := s.fate.Cancel(id)
	if err != nil {
		return nil, toGRPCErr(err)
	}
	return &CancelResponse{Cancelled: cancelled}, nil
}

func (s *Server) delete(ctx context.Context, req *DeleteRequest) (*DeleteResponse, error) {
	id, err := fateid.Parse(req.ID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.fate.Delete(id); err != nil {
		return nil, toGRPCErr(err)
	}
	return &DeleteResponse{}, nil
}

func (s *Server) health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	h := metrics.GetHealth()
	return &HealthResponse{Healthy: h.Status == "healthy", Components: h.Components}, nil
}

func toGRPCErr(err error) error {
	switch fateerr.KindOf(err) {
	case fateerr.KindNotFound, fateerr.KindDeleted:
		return status.Error(codes.NotFound, err.Error())
	case fateerr.KindWrongStatus, fateerr.KindLostReservation:
		return status.Error(codes.FailedPrecondition, err.Error())
	case fateerr.KindInterrupted:
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
