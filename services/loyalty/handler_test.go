package loyalty

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"vhm24-loyalty/pkg/accesscontrol"
	"vhm24-loyalty/pkg/auth"
	"vhm24-loyalty/pkg/config"
	"vhm24-loyalty/pkg/middleware"
	"vhm24-loyalty/services/ledger"
	"vhm24-loyalty/services/notification"
	"vhm24-loyalty/services/reward"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type api struct {
	*fixture
	router *gin.Engine
	auth   *auth.Authenticator
}

func newAPI(t *testing.T) *api {
	t.Helper()
	f := newFixture(t, nil)

	cfg := &config.Config{}
	cfg.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
	cfg.Loyalty.ClaimRateLimit = 0.001
	cfg.Loyalty.ClaimBurst = 2

	a, err := auth.New(cfg)
	require.NoError(t, err)
	policy, err := accesscontrol.NewDefault()
	require.NoError(t, err)

	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(f.svc, a, policy, cfg).Register(r)

	return &api{fixture: f, router: r, auth: a}
}

func (a *api) token(t *testing.T, sub string, role auth.Role) string {
	t.Helper()
	tok, err := a.auth.Issue(auth.Principal{Subject: sub, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (a *api) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func reasonOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Reason string `json:"reason"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Reason
}

func TestBalanceAccess(t *testing.T) {
	a := newAPI(t)
	owner := a.token(t, "acc-1", auth.RoleCustomer)
	stranger := a.token(t, "acc-2", auth.RoleCustomer)

	w := a.do(t, http.MethodGet, "/api/v1/accounts/acc-1/balance", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/accounts/acc-1/balance", stranger, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/accounts/acc-1/balance", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var b ledger.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	require.Equal(t, int64(0), b.Balance)
	require.Equal(t, "bronze", string(b.Tier.Tier))
}

func TestRecordAndHistory(t *testing.T) {
	a := newAPI(t)
	svc := a.token(t, "ordering", auth.RoleService)
	owner := a.token(t, "acc-1", auth.RoleCustomer)

	w := a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/transactions", owner,
		RecordRequest{Type: ledger.OrderReward, Amount: 100})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/transactions", svc,
		RecordRequest{Type: ledger.OrderReward, Amount: 2500, ReferenceID: "ord-1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/transactions", svc,
		RecordRequest{Type: ledger.OrderReward, Amount: 2500, ReferenceID: "ord-1"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "DUPLICATE_REFERENCE", reasonOf(t, w))

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/transactions", svc,
		RecordRequest{Type: ledger.Redemption, Amount: -5000})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "INSUFFICIENT_BALANCE", reasonOf(t, w))

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/transactions", svc,
		RecordRequest{Type: ledger.Redemption, Amount: -500})
	require.Equal(t, http.StatusCreated, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/accounts/acc-1/transactions?type=redemption", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data []*ledger.Transaction `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	require.Equal(t, int64(2000), page.Data[0].BalanceAfter)

	w = a.do(t, http.MethodGet, "/api/v1/accounts/acc-1/transactions?type=bogus", owner, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRewardClaimFlow(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	owner := a.token(t, "acc-1", auth.RoleCustomer)
	service := a.token(t, "machine-gw", auth.RoleService)

	stock := int64(5)
	r, err := a.rewards.Save(ctx, &reward.Reward{Name: "Бесплатный кофе", PointsCost: 5000, IsActive: true, StockRemaining: &stock})
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/v1/rewards", a.token(t, "acc-9", auth.RoleCustomer), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Бесплатный кофе")

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/rewards/"+r.ID+"/claim", owner, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, "INSUFFICIENT_POINTS", reasonOf(t, w))

	_, err = a.ledger.Record(ctx, ledger.RecordParams{AccountID: "acc-1", Type: ledger.OrderReward, Amount: 6000})
	require.NoError(t, err)

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/rewards/"+r.ID+"/claim", owner, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var claim reward.ClaimResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claim))
	require.Equal(t, int64(1000), claim.NewBalance)

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/claims/"+claim.ClaimID+"/use", owner, nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/claims/"+claim.ClaimID+"/use", service, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/claims/"+claim.ClaimID+"/use", service, nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/accounts/acc-1/claims", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"used"`)
}

func TestClaimRateLimit(t *testing.T) {
	a := newAPI(t)
	owner := a.token(t, "acc-1", auth.RoleCustomer)

	path := "/api/v1/accounts/acc-1/quests/missing/claim"
	require.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, path, owner, nil).Code)
	require.Equal(t, http.StatusNotFound, a.do(t, http.MethodPost, path, owner, nil).Code)

	w := a.do(t, http.MethodPost, path, owner, nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "RATE_LIMITED", reasonOf(t, w))
}

func TestAdminRoutes(t *testing.T) {
	a := newAPI(t)
	admin := a.token(t, "ops-1", auth.RoleAdmin)

	w := a.do(t, http.MethodPost, "/api/v1/admin/accounts/acc-1/adjustments", admin, AdjustRequest{Amount: 2000, Description: "Компенсация"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/admin/accounts/acc-1/adjustments", admin, AdjustRequest{Amount: -500, Description: "Возврат ошибочного начисления"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Contains(t, w.Body.String(), `"new_balance":1500`)

	w = a.do(t, http.MethodGet, "/api/v1/admin/accounts/acc-1/verify", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var report ledger.ChainReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.True(t, report.Valid)
	require.Equal(t, int64(1500), report.Balance)

	w = a.do(t, http.MethodPost, "/api/v1/admin/accounts/acc-1/exports", admin, nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/admin/accounts/acc-1/verify", a.token(t, "acc-1", auth.RoleCustomer), nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestNotificationsInbox(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	owner := a.token(t, "acc-1", auth.RoleCustomer)

	n, err := a.inbox.Deliver(ctx, notification.DeliverPayload{
		AccountID: "acc-1", TransactionID: "1", Type: ledger.OrderReward, Amount: 250, BalanceAfter: 250,
	})
	require.NoError(t, err)

	w := a.do(t, http.MethodGet, "/api/v1/accounts/acc-1/notifications", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Кэшбэк за заказ!")

	w = a.do(t, http.MethodPost, "/api/v1/accounts/acc-1/notifications/"+n.ID+"/read", owner, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
}
