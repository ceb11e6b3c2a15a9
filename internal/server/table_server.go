package server

import (
	"context"
	"errors"

	"github.com/allenhouchins/santa-2.0/internal/auth"
	"github.com/allenhouchins/santa-2.0/internal/rules"
	"github.com/allenhouchins/santa-2.0/internal/santactl"
	"github.com/allenhouchins/santa-2.0/internal/tables"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// TableServer implements the TableService gRPC service.
type TableServer struct {
	tables *tables.Registry
	logger *zap.Logger
}

// NewTableServer creates a new TableServer over the given tables.
func NewTableServer(registry *tables.Registry, logger *zap.Logger) *TableServer {
	return &TableServer{tables: registry, logger: logger}
}

// NewGRPCServer builds a grpc.Server with the table service, the auth
// interceptor and a health service reporting SERVING.
func NewGRPCServer(srv *TableServer, authenticator auth.Authenticator, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(AuthInterceptor(authenticator, srv.logger)))
	s := grpc.NewServer(opts...)
	RegisterTableServiceServer(s, srv)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return s
}

// AuthInterceptor authenticates write methods with the shared Authenticator.
// Reads pass through.
func AuthInterceptor(authenticator auth.Authenticator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !writeMethods[info.FullMethod] {
			return handler(ctx, req)
		}
		principal, err := authenticator.Authenticate(ctx)
		if err != nil {
			if errors.Is(err, auth.ErrAuthUnavailable) {
				logger.Warn("auth backend unavailable", zap.Error(err))
				return nil, status.Error(codes.Unavailable, "authentication unavailable")
			}
			return nil, status.Errorf(codes.Unauthenticated, "auth failed: %v", err)
		}
		logger.Debug("authenticated rpc",
			zap.String("method", info.FullMethod),
			zap.String("key_id", principal.KeyID),
		)
		return handler(ctx, req)
	}
}

// List implements TableService.List.
func (s *TableServer) List(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	list := make([]any, 0)
	for _, t := range s.tables.List() {
		cols := make([]any, 0, len(t.Columns()))
		for _, c := range t.Columns() {
			cols = append(cols, map[string]any{"name": c.Name, "type": c.Type})
		}
		_, writable := t.(tables.WritableTable)
		list = append(list, map[string]any{
			"name":     t.Name(),
			"columns":  cols,
			"writable": writable,
		})
	}
	return newStruct(map[string]any{"tables": list})
}

// Generate implements TableService.Generate.
func (s *TableServer) Generate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(req, "table")
	t, ok := s.tables.Get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", name)
	}

	rows, err := t.Generate(ctx)
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowValue(r))
	}
	resp, serr := newStruct(map[string]any{"table": name, "rows": out})
	if err != nil {
		s.logger.Warn("table generate failed", zap.String("table", name), zap.Error(err))
		if serr != nil {
			return nil, status.Error(codeFor(err), err.Error())
		}
		return nil, withDetail(status.New(codeFor(err), err.Error()), resp)
	}
	return resp, serr
}

// withDetail attaches resp to st so clients still see the rows, such as the
// failure sentinel, that accompany an error.
func withDetail(st *status.Status, resp *structpb.Struct) error {
	detailed, err := st.WithDetails(resp)
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// Insert implements TableService.Insert.
func (s *TableServer) Insert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.writable(req)
	if err != nil {
		return nil, err
	}
	row, err := t.Insert(ctx, stringField(req, "payload"))
	return s.statusRow("insert", row, err)
}

// Delete implements TableService.Delete.
func (s *TableServer) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.writable(req)
	if err != nil {
		return nil, err
	}
	row, err := t.Delete(ctx, stringField(req, "rowid"))
	return s.statusRow("delete", row, err)
}

// Update implements TableService.Update.
func (s *TableServer) Update(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.writable(req)
	if err != nil {
		return nil, err
	}
	row, err := t.Update(ctx, stringField(req, "rowid"), stringField(req, "payload"))
	return s.statusRow("update", row, err)
}

func (s *TableServer) writable(req *structpb.Struct) (tables.WritableTable, error) {
	name := stringField(req, "table")
	t, ok := s.tables.Get(name)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "table %q not found", name)
	}
	wt, ok := t.(tables.WritableTable)
	if !ok {
		return nil, status.Errorf(codes.PermissionDenied, "table %q is read-only", name)
	}
	return wt, nil
}

// statusRow returns a successful status row as the response and a failed
// one as a gRPC error carrying its message, with the row as a detail.
func (s *TableServer) statusRow(op string, row tables.Row, err error) (*structpb.Struct, error) {
	if err != nil {
		s.logger.Info("table mutation rejected", zap.String("operation", op), zap.Error(err))
		msg := row["message"]
		if msg == "" {
			msg = err.Error()
		}
		st := status.New(codeFor(err), msg)
		if resp, serr := newStruct(rowValue(row)); serr == nil && len(row) > 0 {
			return nil, withDetail(st, resp)
		}
		return nil, st.Err()
	}
	return newStruct(rowValue(row))
}

// codeFor maps table errors to gRPC codes.
func codeFor(err error) codes.Code {
	var verr *rules.ValidationError
	var terr *rules.ToolError
	switch {
	case errors.As(err, &verr):
		return codes.InvalidArgument
	case errors.Is(err, rules.ErrInvalidRowID), errors.Is(err, rules.ErrRowNotFound):
		return codes.NotFound
	case errors.Is(err, rules.ErrMandatoryRule), errors.Is(err, rules.ErrUnknownRuleType):
		return codes.FailedPrecondition
	case errors.Is(err, santactl.ErrTimeout):
		return codes.DeadlineExceeded
	case errors.Is(err, rules.ErrToolNotFound), errors.As(err, &terr):
		return codes.Unavailable
	case errors.Is(err, rules.ErrRefreshFailed):
		return codes.Unavailable
	case errors.Is(err, rules.ErrUpdateUnsupported):
		return codes.Unimplemented
	default:
		return codes.Internal
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func rowValue(r tables.Row) map[string]any {
	m := make(map[string]any, len(r))
	for k, v := range r {
		m[k] = v
	}
	return m
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}
