package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"commerce-payments/internal/apperror"
	"commerce-payments/internal/client"
	"commerce-payments/internal/fee"
	"commerce-payments/internal/gateway"
	"commerce-payments/internal/model"
	"commerce-payments/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

var (
	merchant = Principal{ActorID: "user-1", TenantID: tenantA}
	stranger = Principal{ActorID: "user-2", TenantID: tenantB}
	operator = Principal{ActorID: "ops-1", Platform: true}
)

// tickClock advances one second on every reading so creation order is
// strictly increasing.
type tickClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *tickClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int

	authorizeFn func(req *gateway.Request) (*gateway.Result, error)
	captureFn   func(authorizationID string, amount int64) (*gateway.Result, error)
	chargeFn    func(req *gateway.Request) (*gateway.Result, error)
	refundFn    func(transactionID string, amount int64) (*gateway.RefundResult, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{calls: map[string]int{}}
}

func (f *fakeGateway) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeGateway) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeGateway) Type() model.GatewayType { return model.GatewayStripe }

func (f *fakeGateway) Authorize(ctx context.Context, req *gateway.Request) (*gateway.Result, error) {
	f.record("authorize")
	if f.authorizeFn != nil {
		return f.authorizeFn(req)
	}
	return okResult("pi_"+req.Reference, 0), nil
}

func (f *fakeGateway) Capture(ctx context.Context, authorizationID string, amount int64, currency string) (*gateway.Result, error) {
	f.record("capture")
	if f.captureFn != nil {
		return f.captureFn(authorizationID, amount)
	}
	return okResult(authorizationID, 0), nil
}

func (f *fakeGateway) Charge(ctx context.Context, req *gateway.Request) (*gateway.Result, error) {
	f.record("charge")
	if f.chargeFn != nil {
		return f.chargeFn(req)
	}
	return okResult("pi_"+req.Reference, 0), nil
}

func (f *fakeGateway) Refund(ctx context.Context, transactionID string, amount int64, currency, reason string) (*gateway.RefundResult, error) {
	f.record("refund")
	if f.refundFn != nil {
		return f.refundFn(transactionID, amount)
	}
	return &gateway.RefundResult{
		Success:  true,
		RefundID: "re_" + uuid.NewString(),
		Status:   "succeeded",
		Amount:   amount,
		Currency: currency,
		Response: gateway.Response{Gateway: model.GatewayStripe, Object: "refund", Status: "succeeded"},
	}, nil
}

func okResult(id string, fee int64) *gateway.Result {
	return &gateway.Result{
		Success:         true,
		AuthorizationID: id,
		TransactionID:   id,
		GatewayFee:      fee,
		Response:        gateway.Response{Gateway: model.GatewayStripe, Object: "payment_intent", Status: "ok"},
	}
}

// jsonVerifier accepts bodies that are a JSON-encoded gateway.Event when the
// test signature header is present.
type jsonVerifier struct{}

func (jsonVerifier) VerifyAndParse(ctx context.Context, headers http.Header, body []byte) (*gateway.Event, error) {
	if headers.Get("X-Test-Signature") != "valid" {
		return nil, apperror.Wrap(apperror.ErrSignatureVerification, "bad test signature")
	}
	var ev gateway.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, err
	}
	ev.Gateway = model.GatewayStripe
	ev.Payload = body
	return &ev, nil
}

type fakeFactory struct {
	gw *fakeGateway
}

func (f fakeFactory) NewGateway(cfg *model.TenantGateway) (gateway.Gateway, error) {
	return f.gw, nil
}

func (f fakeFactory) NewVerifier(cfg *model.TenantGateway) (gateway.Verifier, error) {
	return jsonVerifier{}, nil
}

type testEnv struct {
	db       *gorm.DB
	clock    *tickClock
	gw       *fakeGateway
	payments PaymentService
	webhooks WebhookService

	orderRepo   repository.OrderRepository
	paymentRepo repository.PaymentRepository
	historyRepo repository.HistoryRepository
	webhookRepo repository.WebhookEventRepository
	tenantRepo  repository.TenantRepository
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := client.OpenMemoryDatabase(uuid.NewString())
	require.NoError(t, err)

	env := &testEnv{
		db:          db,
		clock:       &tickClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		gw:          newFakeGateway(),
		orderRepo:   repository.NewOrderRepository(db),
		paymentRepo: repository.NewPaymentRepository(db),
		historyRepo: repository.NewHistoryRepository(db),
		webhookRepo: repository.NewWebhookEventRepository(db),
		tenantRepo:  repository.NewTenantRepository(db),
	}
	ctx := context.Background()

	for _, id := range []string{tenantA, tenantB} {
		require.NoError(t, env.tenantRepo.UpsertTenant(ctx, &model.Tenant{ID: id, Tier: "starter", Status: "active"}))
		require.NoError(t, env.tenantRepo.UpsertFeeConfig(ctx, &model.TenantFeeConfig{
			TenantID: id, Percentage: decimal.NewFromInt(3), FixedFee: 30,
		}))
		require.NoError(t, env.tenantRepo.UpsertGateway(ctx, &model.TenantGateway{
			TenantID: id, GatewayType: model.GatewayStripe, Currency: "USD", SecretKey: "sk", WebhookSecret: "whsec", Enabled: true,
		}))
	}

	resolver := gateway.NewResolver(env.tenantRepo,
		map[model.GatewayType]gateway.Factory{model.GatewayStripe: fakeFactory{gw: env.gw}}, nil)
	logger := quietLogger()

	env.payments = NewPaymentService(db, resolver, fee.NewCalculator(env.tenantRepo, logger),
		env.orderRepo, env.paymentRepo, env.historyRepo, repository.NewRefundRepository(db),
		nil, logger, PaymentOptions{Now: env.clock.Now, GatewayTimeout: time.Second})

	env.webhooks, err = NewWebhookService(resolver, env.payments, env.webhookRepo, logger,
		WebhookOptions{Workers: 2, QueueSize: 16, Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.webhooks.Close() })

	return env
}

func (e *testEnv) newOrder(t *testing.T, tenantID string, total int64) *model.Order {
	t.Helper()
	order := &model.Order{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Subtotal:      total,
		Total:         total,
		Currency:      "USD",
		OrderStatus:   model.OrderPlaced,
		PaymentStatus: model.PaymentPending,
		CreatedAt:     e.clock.Now(),
	}
	require.NoError(t, e.orderRepo.Create(context.Background(), e.db, order))
	return order
}

func (e *testEnv) order(t *testing.T, id string) *model.Order {
	t.Helper()
	o, err := e.orderRepo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (e *testEnv) payment(t *testing.T, id string) *model.Payment {
	t.Helper()
	p, err := e.paymentRepo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (e *testEnv) authorize(t *testing.T, order *model.Order) *model.Payment {
	t.Helper()
	p, err := e.payments.Authorize(context.Background(), merchant, AuthorizeRequest{
		OrderID: order.ID, PaymentMethod: "pm_card_visa", Gateway: model.GatewayStripe,
	})
	require.NoError(t, err)
	return p
}

func (e *testEnv) charge(t *testing.T, order *model.Order) *model.Payment {
	t.Helper()
	p, err := e.payments.Charge(context.Background(), merchant, AuthorizeRequest{
		OrderID: order.ID, PaymentMethod: "pm_card_visa", Gateway: model.GatewayStripe,
	})
	require.NoError(t, err)
	return p
}

// historyTo returns the history entries that moved a payment to status.
func (e *testEnv) historyTo(t *testing.T, order *model.Order, status model.PaymentStatus) []*model.OrderStatusHistory {
	t.Helper()
	entries, err := e.historyRepo.ListByOrder(context.Background(), order.TenantID, order.ID)
	require.NoError(t, err)

	var out []*model.OrderStatusHistory
	for _, entry := range entries {
		var meta map[string]interface{}
		require.NoError(t, json.Unmarshal(entry.Metadata, &meta))
		if meta["payment_to"] == string(status) {
			out = append(out, entry)
		}
	}
	return out
}

func signedHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Test-Signature", "valid")
	return h
}

func eventBody(t *testing.T, ev gateway.Event) []byte {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}
