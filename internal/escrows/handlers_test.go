package escrows

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/osazeejedi/escrow-interact/internal/aggregator"
	"github.com/osazeejedi/escrow-interact/internal/contracts"
	"github.com/osazeejedi/escrow-interact/internal/escrow"
	"github.com/osazeejedi/escrow-interact/internal/factory"
	"github.com/osazeejedi/escrow-interact/internal/gateway/ledger"
	"github.com/osazeejedi/escrow-interact/internal/operations"
	"github.com/osazeejedi/escrow-interact/internal/types"
)

const usdc = "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	router *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&escrow.EscrowRow{}, &escrow.TransferRow{}, &factory.RegistryEntry{},
		&operations.Operation{}, &operations.IdempotencyRecord{},
	))

	assets := escrow.NewAssets([]escrow.Asset{{Address: usdc, Symbol: "USDC", Decimals: 6}})
	f := factory.New(db, escrow.BasisPoints(500), assets, escrow.Roles{Arbiter: "arbiter", FeeRecipient: "treasury"})
	gw := ledger.New(f, ledger.Options{NetworkID: 5})
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-gw.Done()
	})

	tracker := operations.NewTracker(db, nil)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tracker.Close(closeCtx)
		sqlDB.Close()
	})

	client := contracts.New(gw, "", types.DefaultStatusCodec())
	svc := NewService(client, aggregator.New(aggregator.Options{Concurrency: 4}, nil), tracker, Options{
		Assets:      assets,
		Transfers:   f,
		WaitTimeout: 2 * time.Second,
	})

	router := gin.New()
	api := router.Group("/api/v1")
	protected := api.Group("", func(c *gin.Context) {
		if wallet := c.GetHeader("X-Wallet"); wallet != "" {
			c.Set("wallet", wallet)
		}
		c.Next()
	})
	NewGinHandlers(svc).Register(api, protected)
	return &testServer{router: router}
}

func (s *testServer) do(t *testing.T, method, path, wallet string, body any, headers ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if wallet != "" {
		req.Header.Set("X-Wallet", wallet)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func (s *testServer) create(t *testing.T, price string) EscrowView {
	t.Helper()
	code, env := s.do(t, http.MethodPost, "/api/v1/escrows?wait=true", "alice", CreateRequest{
		Buyer: "alice", Seller: "bob", Price: price, Token: usdc,
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	result := decode[WriteResult](t, env.Data)
	require.NotNil(t, result.Escrow)
	return *result.Escrow
}

func TestCreatePayReleaseFlow(t *testing.T) {
	s := newTestServer(t)

	created := s.create(t, "100000000")
	assert.Equal(t, "E1", created.ID)
	assert.Equal(t, "100", created.Price.Display)
	assert.Equal(t, "5000000", created.Fee.Base)
	assert.Equal(t, "5", created.Fee.Display)
	assert.Equal(t, "USDC", created.Symbol)
	assert.Equal(t, types.StatusCreated, created.Status)

	code, env := s.do(t, http.MethodPost, "/api/v1/escrows/E1/pay?wait=true", "alice", PayRequest{Amount: "100000000"})
	require.Equal(t, http.StatusCreated, code)
	paid := decode[WriteResult](t, env.Data)
	assert.Equal(t, operations.StateConfirmed, paid.Operation.State)
	assert.Equal(t, types.StatusFunded, paid.Escrow.Status)
	assert.Equal(t, "100", paid.Escrow.PaidAmount.Display)

	code, env = s.do(t, http.MethodPost, "/api/v1/escrows/E1/release?wait=true", "alice", nil)
	require.Equal(t, http.StatusCreated, code)
	released := decode[WriteResult](t, env.Data)
	assert.Equal(t, types.StatusReleased, released.Escrow.Status)

	code, env = s.do(t, http.MethodGet, "/api/v1/escrows/E1/transfers", "", nil)
	require.Equal(t, http.StatusOK, code)
	transfers := decode[[]TransferView](t, env.Data)
	require.Len(t, transfers, 2)
	assert.Equal(t, escrow.TransferPayout, transfers[0].Kind)
	assert.Equal(t, "95", transfers[0].Amount.Display)
	assert.Equal(t, escrow.TransferFee, transfers[1].Kind)
	assert.Equal(t, "treasury", transfers[1].To)
}

func TestWriteWithoutWaitIsAccepted(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodPost, "/api/v1/escrows", "alice", CreateRequest{
		Buyer: "alice", Seller: "bob", Price: "100", Token: usdc,
	})
	require.Equal(t, http.StatusAccepted, code)
	pending := decode[WriteResult](t, env.Data)
	assert.Equal(t, operations.StatePending, pending.Operation.State)
	assert.NotEmpty(t, pending.Operation.TxHash)

	require.Eventually(t, func() bool {
		code, env := s.do(t, http.MethodGet, "/api/v1/operations/"+pending.Operation.OperationID, "alice", nil)
		if code != http.StatusOK {
			return false
		}
		op := decode[operations.Operation](t, env.Data)
		return op.State == operations.StateConfirmed && op.Result == "E1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFailedWritesMapToStatus(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "100")

	tests := []struct {
		name   string
		path   string
		wallet string
		body   any
		status int
		code   string
	}{
		{"overpay", "/api/v1/escrows/E1/pay?wait=true", "alice", PayRequest{Amount: "150"}, http.StatusConflict, "OVERPAYMENT"},
		{"release while created", "/api/v1/escrows/E1/release?wait=true", "alice", nil, http.StatusConflict, "INVALID_TRANSITION"},
		{"seller pays", "/api/v1/escrows/E1/pay?wait=true", "bob", PayRequest{Amount: "10"}, http.StatusForbidden, "UNAUTHORIZED"},
		{"unknown escrow", "/api/v1/escrows/E9/release?wait=true", "alice", nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad amount", "/api/v1/escrows/E1/pay", "alice", PayRequest{Amount: "abc"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"zero amount", "/api/v1/escrows/E1/pay", "alice", PayRequest{Amount: "0"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"bad outcome", "/api/v1/escrows/E1/resolve", "arbiter", ResolveRequest{Outcome: "maybe"}, http.StatusBadRequest, "BAD_REQUEST"},
		{"no wallet", "/api/v1/escrows/E1/dispute", "", nil, http.StatusUnauthorized, "UNAUTHORIZED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, http.MethodPost, tt.path, tt.wallet, tt.body)
			assert.Equal(t, tt.status, code)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}

	code, env := s.do(t, http.MethodGet, "/api/v1/escrows/E1", "", nil)
	require.Equal(t, http.StatusOK, code)
	view := decode[EscrowView](t, env.Data)
	assert.Equal(t, types.StatusCreated, view.Status)
	assert.Equal(t, "0", view.PaidAmount.Base)
}

func TestDisputeAndResolveRefund(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "100")

	code, _ := s.do(t, http.MethodPost, "/api/v1/escrows/E1/pay?wait=true", "alice", PayRequest{Amount: "100"})
	require.Equal(t, http.StatusCreated, code)
	code, _ = s.do(t, http.MethodPost, "/api/v1/escrows/E1/dispute?wait=true", "bob", nil)
	require.Equal(t, http.StatusCreated, code)

	code, env := s.do(t, http.MethodPost, "/api/v1/escrows/E1/resolve?wait=true", "bob", ResolveRequest{Outcome: "refund"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	code, env = s.do(t, http.MethodPost, "/api/v1/escrows/E1/resolve?wait=true", "arbiter", ResolveRequest{Outcome: "refund"})
	require.Equal(t, http.StatusCreated, code)
	result := decode[WriteResult](t, env.Data)
	assert.Equal(t, types.StatusRefunded, result.Escrow.Status)

	_, env = s.do(t, http.MethodGet, "/api/v1/escrows/E1/transfers", "", nil)
	transfers := decode[[]TransferView](t, env.Data)
	require.Len(t, transfers, 1)
	assert.Equal(t, escrow.TransferRefund, transfers[0].Kind)
	assert.Equal(t, "alice", transfers[0].To)
}

func TestIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	body := CreateRequest{Buyer: "alice", Seller: "bob", Price: "100", Token: usdc}

	_, first := s.do(t, http.MethodPost, "/api/v1/escrows?wait=true", "alice", body, "Idempotency-Key", "k-1")
	_, second := s.do(t, http.MethodPost, "/api/v1/escrows?wait=true", "alice", body, "Idempotency-Key", "k-1")
	a := decode[WriteResult](t, first.Data)
	b := decode[WriteResult](t, second.Data)
	assert.Equal(t, a.Operation.OperationID, b.Operation.OperationID)

	code, env := s.do(t, http.MethodGet, "/api/v1/escrows/count", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"count":1}`, string(env.Data))

	code, env = s.do(t, http.MethodPost, "/api/v1/escrows", "mallory", body, "Idempotency-Key", "k-1")
	assert.Equal(t, http.StatusConflict, code)
	assert.NotNil(t, env.Error)
}

func TestSnapshotKeepsCreationOrder(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.create(t, "100")
	}

	code, env := s.do(t, http.MethodGet, "/api/v1/escrows", "", nil)
	require.Equal(t, http.StatusOK, code)
	snap := decode[SnapshotView](t, env.Data)
	assert.Equal(t, 3, snap.Total)
	assert.Zero(t, snap.Failed)
	ids := make([]string, 0, len(snap.Items))
	for i, item := range snap.Items {
		assert.Equal(t, i, item.Index)
		require.NotNil(t, item.Escrow)
		ids = append(ids, item.ID)
	}
	assert.Equal(t, []string{"E1", "E2", "E3"}, ids)
}

func TestReadMisses(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, http.MethodGet, "/api/v1/escrows/E9", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/operations/missing", "alice", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env = s.do(t, http.MethodGet, "/api/v1/assets", "", nil)
	require.Equal(t, http.StatusOK, code)
	assets := decode[[]escrow.Asset](t, env.Data)
	require.Len(t, assets, 1)
	assert.Equal(t, "USDC", assets[0].Symbol)
}
