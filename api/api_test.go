package api

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/bringyour/docsync/docsync"
	"github.com/bringyour/docsync/patch"
)

func init() {
	flag.Set("logtostderr", "true")
	flag.Set("v", "0")
	gin.SetMode(gin.TestMode)
}

func newTestApi(t *testing.T, source *docsync.Memory) (*Api, *docsync.Server) {
	settings := docsync.DefaultServerSettings()
	settings.Reconcile = false
	server := docsync.NewServer(context.Background(), source, settings)
	t.Cleanup(server.Close)
	api := newApi(ApiOptions{
		Addr:    ":0",
		Server:  server,
		Version: "0.0.0-test",
		Host:    "test",
	})
	return api, server
}

func serve(router *gin.Engine, method string, path string, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	router.ServeHTTP(w, r)
	return w
}

func TestApiOptions(t *testing.T) {
	o := ApiOptions{}
	assert.NotEqual(t, o.AreValid(), nil)
	o.Addr = ":8080"
	assert.NotEqual(t, o.AreValid(), nil)

	_, err := StartApi(o, func(err error) {})
	assert.NotEqual(t, err, nil)
}

func TestStatus(t *testing.T) {
	api, server := newTestApi(t, docsync.NewMemory(patch.Doc{}))
	router := api.Router()

	w := serve(router, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	var status StatusResult
	assert.Equal(t, json.Unmarshal(w.Body.Bytes(), &status), nil)
	assert.Equal(t, StatusResult{
		Version:     "0.0.0-test",
		Status:      "ok",
		Host:        "test",
		Connections: 0,
	}, status)

	server.Close()
	w = serve(router, http.MethodGet, "/status", "")
	assert.Equal(t, json.Unmarshal(w.Body.Bytes(), &status), nil)
	assert.Equal(t, "closed", status.Status)
}

func TestState(t *testing.T) {
	source := docsync.NewMemory(patch.Doc{"a": 1})
	api, server := newTestApi(t, source)
	router := api.Router()

	w := serve(router, http.MethodGet, "/state", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"data":{"a":1}}`, w.Body.String())

	w = serve(router, http.MethodPatch, "/state", `{"patch":[{"type":"updated","name":"a","value":"x","oldValue":1},{"type":"new","name":"b","value":true}]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"data":{"a":"x","b":true}}`, w.Body.String())
	assert.Equal(t, patch.Doc{"a": "x", "b": true}, server.State())

	w = serve(router, http.MethodPatch, "/state", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(router, http.MethodPatch, "/state", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	source.Freeze()
	w = serve(router, http.MethodPatch, "/state", `{"patch":[{"type":"deleted","name":"a","oldValue":"x"}]}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, patch.Doc{"a": "x", "b": true}, server.State())

	server.Close()
	<-server.Done()
	w = serve(router, http.MethodPatch, "/state", `{"patch":[]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestConnections(t *testing.T) {
	api, server := newTestApi(t, docsync.NewMemory(patch.Doc{"a": 1}))
	router := api.Router()

	w := serve(router, http.MethodGet, "/connections", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"connections":[]}`, w.Body.String())

	httpServer := httptest.NewServer(router)
	defer httpServer.Close()

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/sync"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, err, nil)
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, messageBytes, err := ws.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, `{"data":{"a":1}}`, string(messageBytes))

	timeout := time.After(5 * time.Second)
	for server.ConnectionCount() != 1 {
		select {
		case <-timeout:
			t.Fatal("timeout")
		case <-time.After(5 * time.Millisecond):
		}
	}

	w = serve(router, http.MethodGet, "/connections", "")
	var connections ConnectionsResult
	assert.Equal(t, json.Unmarshal(w.Body.Bytes(), &connections), nil)
	assert.Equal(t, server.Connections(), connections.Connections)
}

func TestMetrics(t *testing.T) {
	api, _ := newTestApi(t, docsync.NewMemory(patch.Doc{}))
	router := api.Router()

	w := serve(router, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, strings.Contains(w.Body.String(), "go_goroutines"))
}
