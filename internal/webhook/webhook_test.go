package webhook

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/pochipay/pochi/internal/clickpesa"
	"github.com/pochipay/pochi/internal/payments"
	"github.com/pochipay/pochi/internal/payouts"
)

const secret = "webhook-secret"

type fakePayments struct {
	refreshed []string
	err       error
}

func (f *fakePayments) RefreshStatus(ctx context.Context, ref string) (*payments.Payment, error) {
	f.refreshed = append(f.refreshed, ref)
	if f.err != nil {
		return nil, f.err
	}
	return &payments.Payment{OrderReference: ref}, nil
}

type fakePayouts struct {
	refreshed []string
}

func (f *fakePayouts) RefreshStatus(ctx context.Context, ref string) (*payouts.Payout, error) {
	f.refreshed = append(f.refreshed, ref)
	return &payouts.Payout{OrderReference: ref}, nil
}

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/webhooks"))
	return r
}

func deliver(t *testing.T, r *gin.Engine, path string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sign {
		req.Header.Set(SignatureHeader, clickpesa.Sign(body, secret))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPaymentWebhook(t *testing.T) {
	pay := &fakePayments{}
	r := newRouter(New(pay, &fakePayouts{}, secret, nil, slog.Default()))

	w := deliver(t, r, "/webhooks/clickpesa/payment",
		[]byte(`{"orderReference":"ORD-1","status":"SUCCESS"}`), true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"ORD-1"}, pay.refreshed)
}

func TestPayoutWebhookFallbackReference(t *testing.T) {
	po := &fakePayouts{}
	r := newRouter(New(&fakePayments{}, po, secret, nil, slog.Default()))

	w := deliver(t, r, "/webhooks/clickpesa/payout",
		[]byte(`{"reference":"PO-1","status":"FAILED"}`), true)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []string{"PO-1"}, po.refreshed)
}

func TestRejectsBadSignature(t *testing.T) {
	pay := &fakePayments{}
	r := newRouter(New(pay, &fakePayouts{}, secret, nil, slog.Default()))

	body := []byte(`{"orderReference":"ORD-1"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/clickpesa/payment", bytes.NewReader(body))
	req.Header.Set(SignatureHeader, clickpesa.Sign(body, "wrong-secret"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, pay.refreshed)
}

func TestRejectsMissingSignature(t *testing.T) {
	pay := &fakePayments{}
	r := newRouter(New(pay, &fakePayouts{}, secret, nil, slog.Default()))

	w := deliver(t, r, "/webhooks/clickpesa/payment",
		[]byte(`{"orderReference":"ORD-1"}`), false)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Empty(t, pay.refreshed)
}

func TestRejectsUnlistedIP(t *testing.T) {
	pay := &fakePayments{}
	r := newRouter(New(pay, &fakePayouts{}, secret, []string{"10.9.8.7"}, slog.Default()))

	w := deliver(t, r, "/webhooks/clickpesa/payment",
		[]byte(`{"orderReference":"ORD-1"}`), true)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, pay.refreshed)
}

func TestBadJSON(t *testing.T) {
	r := newRouter(New(&fakePayments{}, &fakePayouts{}, secret, nil, slog.Default()))

	w := deliver(t, r, "/webhooks/clickpesa/payment", []byte(`{not json`), true)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissingReference(t *testing.T) {
	r := newRouter(New(&fakePayments{}, &fakePayouts{}, secret, nil, slog.Default()))

	w := deliver(t, r, "/webhooks/clickpesa/payment", []byte(`{"status":"SUCCESS"}`), true)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownReferenceAcked(t *testing.T) {
	pay := &fakePayments{err: payments.ErrNotFound}
	r := newRouter(New(pay, &fakePayouts{}, secret, nil, slog.Default()))

	w := deliver(t, r, "/webhooks/clickpesa/payment",
		[]byte(`{"orderReference":"ghost"}`), true)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRefreshErrorAcked(t *testing.T) {
	pay := &fakePayments{err: errors.New("gateway down")}
	r := newRouter(New(pay, &fakePayouts{}, secret, nil, slog.Default()))

	w := deliver(t, r, "/webhooks/clickpesa/payment",
		[]byte(`{"orderReference":"ORD-1"}`), true)
	require.Equal(t, http.StatusOK, w.Code)
}
