package health

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"permit-engine/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

type chainFunc func(ctx context.Context) (*big.Int, error)

func (f chainFunc) ChainID(ctx context.Context) (*big.Int, error) { return f(ctx) }

func serve(t *testing.T, h HealthService) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	return r
}

func get(t *testing.T, r *gin.Engine, path string) (int, Health) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w.Code, body
}

func TestLiveness(t *testing.T) {
	code, body := get(t, serve(t, ProvideHealth(HealthParams{})), "/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, StatusHealthy, body.Status)
}

func TestReadinessHealthy(t *testing.T) {
	db := testutil.NewTestDB(t)
	h := ProvideHealth(HealthParams{
		DB:    db,
		Chain: chainFunc(func(context.Context) (*big.Int, error) { return big.NewInt(1), nil }),
	})

	code, body := get(t, serve(t, h), "/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, StatusHealthy, body.Status)
	require.Len(t, body.Deps, 2)
}

func TestReadinessReportsChainOutage(t *testing.T) {
	h := ProvideHealth(HealthParams{
		Chain: chainFunc(func(context.Context) (*big.Int, error) { return nil, errors.New("rpc unreachable") }),
	})

	code, body := get(t, serve(t, h), "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, StatusUnhealthy, body.Status)
	require.Len(t, body.Deps, 1)
	require.Equal(t, "chain", body.Deps[0].Name)
	require.Equal(t, "rpc unreachable", body.Deps[0].Message)
}
