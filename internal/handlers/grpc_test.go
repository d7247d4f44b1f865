package handlers

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/idot-digital/webhook-broker/internal/database"
	"github.com/idot-digital/webhook-broker/internal/middleware"
	"github.com/idot-digital/webhook-broker/internal/server"
)

func setupGRPC(t *testing.T, authToken string) *grpc.ClientConn {
	t.Helper()
	ctx := context.Background()

	db, dialect, err := database.Open(ctx, database.Options{Driver: "sqlite3", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(ctx, db, dialect))

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	srv := server.New(db, dialect, server.Options{Secret: testSecret}, logger)

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		middleware.AuthInterceptor(authToken),
		middleware.MetricsInterceptor(logger),
	))
	RegisterBrokerServer(s, NewGRPCHandlers(srv))
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func invoke(ctx context.Context, conn *grpc.ClientConn, method string, in map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+BrokerServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func TestGRPC_SubscribeListUnsubscribe(t *testing.T) {
	conn := setupGRPC(t, "")
	ctx := context.Background()

	_, err := invoke(ctx, conn, "Subscribe", map[string]any{"url": "http://a/hook"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "who")

	first, err := invoke(ctx, conn, "Subscribe", map[string]any{"who": "erp-a", "url": "http://a/hook"})
	require.NoError(t, err)
	second, err := invoke(ctx, conn, "Subscribe", map[string]any{"who": "erp-a", "url": "http://a/hook"})
	require.NoError(t, err)
	assert.Equal(t,
		first["subscriber"].(map[string]any)["id"],
		second["subscriber"].(map[string]any)["id"])

	list, err := invoke(ctx, conn, "ListSubscribers", map[string]any{})
	require.NoError(t, err)
	assert.Len(t, list["subscribers"], 1)

	removed, err := invoke(ctx, conn, "Unsubscribe", map[string]any{"who": "erp-a"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), removed["removed"])
}

func TestGRPC_TriggerEvent(t *testing.T) {
	conn := setupGRPC(t, "")
	ctx := context.Background()
	hook, hookSrv := newHook(t, http.StatusOK)

	_, err := invoke(ctx, conn, "Subscribe", map[string]any{"who": "erp-devmaterial", "url": hookSrv.URL})
	require.NoError(t, err)

	_, err = invoke(ctx, conn, "TriggerEvent", map[string]any{"event": "add-demande"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	out, err := invoke(ctx, conn, "TriggerEvent", map[string]any{
		"from":  "erp-wagonlits",
		"event": "add-demande",
		"body":  map[string]any{"test": "test"},
		"who":   []any{"erp-devmaterial"},
	})
	require.NoError(t, err)
	results := out["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0].(map[string]any)["ok"])
	assert.Equal(t, 1, hook.count())
}

func TestGRPC_Auth(t *testing.T) {
	conn := setupGRPC(t, "secret")

	_, err := invoke(context.Background(), conn, "ListSubscribers", map[string]any{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer secret")
	_, err = invoke(ctx, conn, "ListSubscribers", map[string]any{})
	assert.NoError(t, err)
}
