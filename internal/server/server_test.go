package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raysh454/biblio/internal/config"
	"github.com/raysh454/biblio/internal/logging"
	"github.com/raysh454/biblio/internal/server"
	"github.com/raysh454/biblio/internal/syncer"
	"github.com/raysh454/biblio/internal/tenant"
)

const docHTML = `<!DOCTYPE html>
<html><head><title>Operations Handbook</title></head><body>
<main>
<h1>Operations Handbook</h1>
<p>Everything the on-call rotation needs, collected in one place and kept in
step with the deployed release so runbooks never drift from reality.</p>
<h2>Alerts</h2>
<p>Every page links the triggering alert to its runbook entry, with the
escalation chain listed beside the first mitigation step to try.</p>
<h2>Escalation</h2>
<p>When the first mitigation fails, page the secondary and open an incident
channel before attempting anything irreversible on the data path.</p>
</main>
</body></html>`

func newDocServer() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/handbook/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, docHTML)
	})
	return httptest.NewServer(mux)
}

func newAPIServer(t *testing.T) (*httptest.Server, *tenant.Registry) {
	t.Helper()

	file := &config.File{
		Infra: config.InfraConfig{StorageRoot: t.TempDir()},
		Tenants: []config.TenantConfig{{
			Codename:              "acme",
			Name:                  "Acme Docs",
			SourceType:            config.SourceWeb,
			ScheduleIntervalHours: 24,
			MaxIntervalHours:      168,
		}},
	}
	reg, err := tenant.NewRegistry(file, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.InitializeAll(context.Background()))
	t.Cleanup(reg.ShutdownAll)

	api := server.NewServer(server.Config{Logger: logging.Nop()}, reg)
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return srv, reg
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListAndGetTenants(t *testing.T) {
	srv, _ := newAPIServer(t)

	var list []tenant.Health
	code := getJSON(t, srv.URL+"/tenants", &list)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0].Tenant)
	assert.Equal(t, "ok", list[0].Status)

	var h tenant.Health
	code = getJSON(t, srv.URL+"/tenants/acme", &h)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "web", h.SourceType)

	code = getJSON(t, srv.URL+"/tenants/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSearchEndpoint(t *testing.T) {
	srv, _ := newAPIServer(t)

	code := getJSON(t, srv.URL+"/tenants/acme/search", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	var results []tenant.SearchResult
	code = getJSON(t, srv.URL+"/tenants/acme/search?q=anything", &results)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, results)
}

func TestDocEndpoint(t *testing.T) {
	site := newDocServer()
	defer site.Close()
	srv, _ := newAPIServer(t)

	q := url.Values{}
	q.Set("uri", site.URL+"/handbook/")

	var doc struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	code := getJSON(t, srv.URL+"/tenants/acme/doc?"+q.Encode(), &doc)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Operations Handbook", doc.Title)
	assert.Contains(t, doc.Content, "## Alerts")
	assert.Contains(t, doc.Content, "## Escalation")

	q.Set("uri", site.URL+"/handbook/#alerts")
	q.Set("context", "surrounding")
	code = getJSON(t, srv.URL+"/tenants/acme/doc?"+q.Encode(), &doc)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, doc.Content, "## Alerts")
	assert.NotContains(t, doc.Content, "## Escalation")

	code = getJSON(t, srv.URL+"/tenants/acme/doc", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	q.Set("context", "sideways")
	code = getJSON(t, srv.URL+"/tenants/acme/doc?"+q.Encode(), nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTreeEndpoint(t *testing.T) {
	srv, _ := newAPIServer(t)

	code := getJSON(t, srv.URL+"/tenants/acme/tree", nil)
	assert.Equal(t, http.StatusOK, code)

	code = getJSON(t, srv.URL+"/tenants/acme/tree?path=../escape", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSyncAndStatusEndpoints(t *testing.T) {
	srv, _ := newAPIServer(t)

	resp, err := http.Post(srv.URL+"/tenants/acme/sync", "application/json",
		strings.NewReader(`{"force_full_sync": false}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var result syncer.TriggerResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.True(t, result.Success)

	var st syncer.Status
	code := getJSON(t, srv.URL+"/tenants/acme/status", &st)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 1, st.Scheduler.TotalCycles)
}

func TestEventsWebSocket(t *testing.T) {
	srv, _ := newAPIServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tenants/acme/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the handler a moment to register its subscription, then run a
	// cycle; the stream carries its lifecycle.
	time.Sleep(100 * time.Millisecond)
	httpResp, err := http.Post(srv.URL+"/tenants/acme/sync", "application/json", nil)
	require.NoError(t, err)
	httpResp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	sawCompleted := false
	for !sawCompleted {
		var ev syncer.ProgressEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == syncer.EventSyncComplete {
			sawCompleted = true
		}
	}
	assert.True(t, sawCompleted)
}
