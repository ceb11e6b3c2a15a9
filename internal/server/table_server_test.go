package server

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/allenhouchins/santa-2.0/internal/auth"
	"github.com/allenhouchins/santa-2.0/internal/decisionlog"
	"github.com/allenhouchins/santa-2.0/internal/rules"
	"github.com/allenhouchins/santa-2.0/internal/santactl"
	"github.com/allenhouchins/santa-2.0/internal/tables"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const testAPIKey = "sgk_integration_key_0123456789"

var sha = strings.Repeat("ef", 32)

type stubCollector struct {
	records []rules.Record
	err     error
}

func (s *stubCollector) Collect(ctx context.Context) ([]rules.Record, error) {
	return s.records, s.err
}

type stubRunner struct {
	out santactl.Output
}

func (s *stubRunner) Run(ctx context.Context, path string, args []string) (santactl.Output, error) {
	return s.out, nil
}

// testServer spins up an in-process gRPC server and returns a connected client.
func testServer(t *testing.T, runner *stubRunner) (*TableServiceClient, *grpc.ClientConn) {
	t.Helper()
	c := &stubCollector{records: []rules.Record{
		{Identifier: sha, Type: rules.RuleTypeBinary, State: rules.StateBlock, CustomMessage: "no"},
	}}
	return testServerWith(t, c, runner)
}

func testServerWith(t *testing.T, c *stubCollector, runner *stubRunner) (*TableServiceClient, *grpc.ClientConn) {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	tool := filepath.Join(dir, "santactl")
	if err := os.WriteFile(tool, nil, 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}

	identity := rules.NewIdentityMap(c, logger)
	co := rules.NewCoordinator(identity, runner, tool, nil, logger)
	engine := decisionlog.NewEngine(filepath.Join(dir, "santa.log"), logger)
	registry := tables.NewRegistry(
		tables.NewRulesTable(identity, co, logger),
		tables.NewAllowedTable(engine, logger),
		tables.NewDeniedTable(engine, logger),
	)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	grpcServer := NewGRPCServer(NewTableServer(registry, logger), auth.NewStaticAuthenticator(string(hash)))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go grpcServer.Serve(lis) //nolint:errcheck

	conn, err := grpc.NewClient(
		lis.Addr().String(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
	})
	return NewTableServiceClient(conn), conn
}

func authedCtx() context.Context {
	return metadata.NewOutgoingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer "+testAPIKey))
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func TestTableServer_List(t *testing.T) {
	client, _ := testServer(t, &stubRunner{})

	resp, err := client.List(context.Background(), &structpb.Struct{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	list := resp.GetFields()["tables"].GetListValue().GetValues()
	if len(list) != 3 {
		t.Fatalf("expected 3 tables, got %d", len(list))
	}
	first := list[0].GetStructValue().GetFields()
	if first["name"].GetStringValue() != "santa_allowed" || first["writable"].GetBoolValue() {
		t.Errorf("unexpected first table %v", first)
	}
}

func TestTableServer_Generate(t *testing.T) {
	client, _ := testServer(t, &stubRunner{})

	resp, err := client.Generate(context.Background(), mustStruct(t, map[string]any{"table": "santa_rules"}))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	rows := resp.GetFields()["rows"].GetListValue().GetValues()
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0].GetStructValue().GetFields()
	if row["identifier"].GetStringValue() != sha || row["state"].GetStringValue() != "block" {
		t.Errorf("unexpected row %v", row)
	}

	_, err = client.Generate(context.Background(), mustStruct(t, map[string]any{"table": "nope"}))
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestTableServer_GenerateRefreshFailureCarriesRows(t *testing.T) {
	client, _ := testServerWith(t, &stubCollector{err: errors.New("database is locked")}, &stubRunner{})

	_, err := client.Generate(context.Background(), mustStruct(t, map[string]any{"table": "santa_rules"}))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
	st, _ := status.FromError(err)
	details := st.Details()
	if len(details) != 1 {
		t.Fatalf("expected one detail, got %v", details)
	}
	resp, ok := details[0].(*structpb.Struct)
	if !ok {
		t.Fatalf("expected Struct detail, got %T", details[0])
	}
	if resp.GetFields()["table"].GetStringValue() != "santa_rules" {
		t.Errorf("unexpected table in detail %v", resp)
	}
	rows := resp.GetFields()["rows"].GetListValue().GetValues()
	if len(rows) != 1 || rows[0].GetStructValue().GetFields()["status"].GetStringValue() != "failure" {
		t.Errorf("expected failure row, got %v", rows)
	}
}

func TestTableServer_WritesRequireAuth(t *testing.T) {
	client, _ := testServer(t, &stubRunner{})
	req := mustStruct(t, map[string]any{"table": "santa_rules", "rowid": "0"})

	_, err := client.Delete(context.Background(), req)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}

	badCtx := metadata.NewOutgoingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer sgk_wrong"))
	_, err = client.Delete(badCtx, req)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated for wrong key, got %v", err)
	}
}

func TestTableServer_InsertAndDelete(t *testing.T) {
	client, _ := testServer(t, &stubRunner{})
	ctx := authedCtx()

	if _, err := client.Generate(ctx, mustStruct(t, map[string]any{"table": "santa_rules"})); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	// The rule never shows up in the stub database, so the row is synthesized.
	other := strings.Repeat("12", 32)
	resp, err := client.Insert(ctx, mustStruct(t, map[string]any{
		"table":   "santa_rules",
		"payload": `["` + other + `","allow","binary",null]`,
	}))
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	fields := resp.GetFields()
	if fields["status"].GetStringValue() != "success" || fields["id"].GetStringValue() != "1" {
		t.Errorf("unexpected insert response %v", fields)
	}

	resp, err = client.Delete(ctx, mustStruct(t, map[string]any{"table": "santa_rules", "rowid": "0"}))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if resp.GetFields()["status"].GetStringValue() != "success" {
		t.Errorf("unexpected delete response %v", resp)
	}
}

func TestTableServer_MutationErrors(t *testing.T) {
	runner := &stubRunner{}
	client, _ := testServer(t, runner)
	ctx := authedCtx()
	if _, err := client.Generate(ctx, mustStruct(t, map[string]any{"table": "santa_rules"})); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	_, err := client.Insert(ctx, mustStruct(t, map[string]any{"table": "santa_rules", "payload": `{}`}))
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("invalid payload: expected InvalidArgument, got %v", err)
	}
	if st, _ := status.FromError(err); st.Message() != "Invalid json received" {
		t.Errorf("unexpected message %q", st.Message())
	}

	_, err = client.Update(ctx, mustStruct(t, map[string]any{"table": "santa_rules", "rowid": "0", "payload": `[]`}))
	if status.Code(err) != codes.Unimplemented {
		t.Errorf("update: expected Unimplemented, got %v", err)
	}

	_, err = client.Delete(ctx, mustStruct(t, map[string]any{"table": "santa_denied", "rowid": "0"}))
	if status.Code(err) != codes.PermissionDenied {
		t.Errorf("read-only: expected PermissionDenied, got %v", err)
	}

	runner.out = santactl.Output{Stdout: santactl.MandatoryRuleError, ExitCode: 1}
	_, err = client.Delete(ctx, mustStruct(t, map[string]any{"table": "santa_rules", "rowid": "0"}))
	if status.Code(err) != codes.FailedPrecondition {
		t.Errorf("mandatory: expected FailedPrecondition, got %v", err)
	}
}

func TestTableServer_Health(t *testing.T) {
	_, conn := testServer(t, &stubRunner{})

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", resp.GetStatus())
	}
}

type unavailableAuth struct{}

func (unavailableAuth) Authenticate(ctx context.Context) (*auth.Principal, error) {
	return nil, auth.ErrAuthUnavailable
}

func TestAuthInterceptor(t *testing.T) {
	icpt := AuthInterceptor(unavailableAuth{}, zap.NewNop())
	called := false
	handler := func(ctx context.Context, req any) (any, error) {
		called = true
		return nil, nil
	}

	_, err := icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: methodGenerate}, handler)
	if err != nil || !called {
		t.Fatalf("reads should pass through, err=%v called=%v", err, called)
	}

	called = false
	_, err = icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: methodInsert}, handler)
	if status.Code(err) != codes.Unavailable || called {
		t.Errorf("expected Unavailable without calling handler, got %v called=%v", err, called)
	}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{&rules.ValidationError{Reason: "x"}, codes.InvalidArgument},
		{rules.ErrRowNotFound, codes.NotFound},
		{rules.ErrMandatoryRule, codes.FailedPrecondition},
		{&rules.ToolError{ExitCode: 1, Err: santactl.ErrTimeout}, codes.DeadlineExceeded},
		{&rules.ToolError{ExitCode: 2}, codes.Unavailable},
		{rules.ErrRefreshFailed, codes.Unavailable},
		{rules.ErrUpdateUnsupported, codes.Unimplemented},
		{errors.New("x"), codes.Internal},
	}
	for _, tt := range tests {
		if got := codeFor(tt.err); got != tt.want {
			t.Errorf("codeFor(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
