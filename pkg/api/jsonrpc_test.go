package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/lend/pkg/lend"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*JSONRPCServer, *lend.Engine) {
	t.Helper()
	engine := lend.NewEngine(lend.EngineConfig{
		Ledger:     lend.LedgerConfig{Admin: "admin", FeeAccount: "fees"},
		Liquidator: lend.DefaultLiquidatorConfig(),
	})
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	return NewJSONRPCServer(engine, logger), engine
}

func call(t *testing.T, server *JSONRPCServer, method string, params string) map[string]interface{} {
	t.Helper()
	reqBody := fmt.Sprintf(`{"jsonrpc":"2.0","method":"%s","params":%s,"id":1}`, method, params)
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(reqBody))
	w := httptest.NewRecorder()

	server.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "2.0", resp["jsonrpc"])
	return resp
}

func initTestMarket(t *testing.T, server *JSONRPCServer, asset, price string) {
	t.Helper()
	resp := call(t, server, "lend_initTokenMarket", fmt.Sprintf(`{
		"caller":"admin","asset":"%s","price":"%s","collateralValue":"1",
		"makerFee":"0","takerFee":"0","initialMarginFee":"0","liquidationFee":"0.1",
		"initialMarginRequirement":"0.2","maintenanceMarginRequirement":"0.1",
		"optimalBorrowProportion":"0.7","maximumBorrowProportion":"0.9"}`, asset, price))
	require.Nil(t, resp["error"], "init market: %v", resp["error"])

	resp = call(t, server, "lend_initInterest", fmt.Sprintf(`{
		"asset":"%s","assetType":1,"base":"0.005","kink":"0.15","max":"1",
		"optimalBorrowProportion":"0.7","maximumBorrowProportion":"0.9",
		"initialRate":"0.005"}`, asset))
	require.Nil(t, resp["error"], "init interest: %v", resp["error"])

	resp = call(t, server, "lend_setPrice", fmt.Sprintf(`{"asset":"%s","price":"%s"}`, asset, price))
	require.Nil(t, resp["error"])
}

func TestJSONRPCServer_Ping(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server, "lend_ping", `{}`)
	assert.Equal(t, "pong", resp["result"])
}

func TestJSONRPCServer_MethodNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	resp := call(t, server, "lend_bogus", `{}`)
	require.NotNil(t, resp["error"])
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(MethodNotFound), errObj["code"])
}

func TestJSONRPCServer_InvalidVersion(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest("POST", "/rpc", bytes.NewBufferString(`{"jsonrpc":"1.0","method":"lend_ping","id":1}`))
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	errObj := resp["error"].(map[string]interface{})
	assert.Equal(t, float64(InvalidRequest), errObj["code"])
}

func TestJSONRPCServer_GetOnlyPost(t *testing.T) {
	server, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/rpc", nil)
	w := httptest.NewRecorder()
	server.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestJSONRPCServer_MarketLifecycle(t *testing.T) {
	server, engine := newTestServer(t)
	initTestMarket(t, server, "USDT", "1")

	t.Run("get market", func(t *testing.T) {
		resp := call(t, server, "lend_getMarket", `{"asset":"USDT"}`)
		require.Nil(t, resp["error"])
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, "USDT", result["asset"])
		assert.Equal(t, "0.2", result["initialMarginRequirement"])
	})

	t.Run("non admin rejected", func(t *testing.T) {
		resp := call(t, server, "lend_updateMarketParams", `{"caller":"mallory","asset":"USDT","liquidationFee":"0.2"}`)
		require.NotNil(t, resp["error"])
	})

	t.Run("deposit and query", func(t *testing.T) {
		engine.Custody.Mint("alice", "USDT", lend.Wad(1000))
		resp := call(t, server, "lend_deposit", `{"user":"alice","asset":"USDT","amount":"250.5"}`)
		require.Nil(t, resp["error"])

		resp = call(t, server, "lend_getUserData", `{"user":"alice","asset":"USDT"}`)
		require.Nil(t, resp["error"])
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, "250.5", result["collateral"])
	})

	t.Run("margin ratio sentinel", func(t *testing.T) {
		resp := call(t, server, "lend_getMarginRatio", `{"user":"alice"}`)
		require.Nil(t, resp["error"])
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, true, result["noLiability"])
	})

	t.Run("rate info", func(t *testing.T) {
		resp := call(t, server, "lend_getRateInfo", `{"asset":"USDT","index":0}`)
		require.Nil(t, resp["error"])
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, "1", result["cumulativeIndex"])
		assert.Equal(t, "0.005", result["rate"])
	})

	t.Run("charge mass interest", func(t *testing.T) {
		resp := call(t, server, "lend_chargeMassInterest", `{"asset":"USDT"}`)
		require.Nil(t, resp["error"])
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, float64(0), result["rateIndex"], "no elapsed time, no new record")
	})
}

func TestJSONRPCServer_SubmitOrder(t *testing.T) {
	server, engine := newTestServer(t)
	initTestMarket(t, server, "USDT", "1")
	initTestMarket(t, server, "ETH", "10")

	engine.Custody.Mint("alice", "USDT", lend.Wad(1000))
	engine.Custody.Mint("bob", "ETH", lend.Wad(100))
	require.NoError(t, engine.Ledger.Deposit("alice", "USDT", lend.Wad(1000)))
	require.NoError(t, engine.Ledger.Deposit("bob", "ETH", lend.Wad(100)))

	resp := call(t, server, "lend_submitOrder", `{
		"pair":["USDT","ETH"],
		"participants":[["alice"],["bob"]],
		"amounts":[["1000"],["100"]],
		"sides":[[true],[false]]}`)
	require.Nil(t, resp["error"], "submit: %v", resp["error"])
	result := resp["result"].(map[string]interface{})
	assert.Equal(t, "settled", result["status"])
	assert.Equal(t, float64(1), result["legs"])

	resp = call(t, server, "lend_getUserData", `{"user":"alice","asset":"ETH"}`)
	require.Nil(t, resp["error"])
	assert.Equal(t, "100", resp["result"].(map[string]interface{})["collateral"])
}

func TestJSONRPCServer_LiquidateViaRPC(t *testing.T) {
	server, engine := newTestServer(t)
	initTestMarket(t, server, "USDT", "1")
	initTestMarket(t, server, "ETH", "10")

	engine.Custody.Mint("alice", "USDT", lend.Wad(500))
	engine.Custody.Mint("bob", "ETH", lend.Wad(100))
	require.NoError(t, engine.Ledger.Deposit("alice", "USDT", lend.Wad(500)))
	require.NoError(t, engine.Ledger.Deposit("bob", "ETH", lend.Wad(100)))

	resp := call(t, server, "lend_submitOrder", `{
		"pair":["USDT","ETH"],
		"participants":[["alice"],["bob"]],
		"amounts":[["1000"],["100"]],
		"sides":[[true],[false]]}`)
	require.Nil(t, resp["error"])

	t.Run("healthy position refuses", func(t *testing.T) {
		resp := call(t, server, "lend_liquidate", `{"caller":"keeper","user":"alice","debtAsset":"USDT","collateralAsset":"ETH"}`)
		require.NotNil(t, resp["error"])
	})

	t.Run("price collapse allows", func(t *testing.T) {
		resp := call(t, server, "lend_setPrice", `{"asset":"ETH","price":"0.4"}`)
		require.Nil(t, resp["error"])

		resp = call(t, server, "lend_liquidate", `{"caller":"keeper","user":"alice","debtAsset":"USDT","collateralAsset":"ETH"}`)
		require.Nil(t, resp["error"], "liquidate: %v", resp["error"])
		result := resp["result"].(map[string]interface{})
		assert.Equal(t, "alice", result["user"])
		assert.Equal(t, "100", result["seizedUnits"])
	})
}
