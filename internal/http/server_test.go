//nolint:hugeParam // test only
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"lsmrepl/pkg/dberrors"
	"lsmrepl/pkg/kvstate"
	"lsmrepl/pkg/op"
	"lsmrepl/pkg/protocol"
	"lsmrepl/pkg/replication"
	"lsmrepl/pkg/transport"
	"lsmrepl/pkg/types"
)

// fakeNode executes operations directly on an in-memory state
type fakeNode struct {
	mu    sync.Mutex
	state *kvstate.State
	err   error
	seq   uint64
	ops   []op.Operation
}

func newFakeNode() *fakeNode {
	return &fakeNode{state: kvstate.New()}
}

func (n *fakeNode) Execute(_ context.Context, o op.Operation) (op.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ops = append(n.ops, o)

	if n.err != nil {
		return op.Result{}, n.err
	}
	if err := o.Validate(); err != nil {
		return op.Result{}, err
	}
	if !o.IsWrite() {
		v, found, err := n.state.Get(o.DB, o.Key)
		return op.Result{Value: v, Found: found}, err
	}
	if err := n.state.ApplyUnlogged(o); err != nil {
		return op.Result{}, err
	}
	n.seq++
	return op.Result{LSN: types.NewLSN(1, n.seq)}, nil
}

func (n *fakeNode) Status() replication.Status {
	return replication.Status{
		Node:         "a",
		Role:         "master",
		Master:       "a",
		LatestLSN:    types.NewLSN(1, 7),
		LatestCommon: types.NewLSN(1, 5),
		Slaves:       map[types.PeerAddr]types.LSN{"b": types.NewLSN(1, 5), "c": types.NewLSN(1, 6)},
		Databases:    n.state.Databases(),
	}
}

func (n *fakeNode) Handle(_ context.Context, _ types.PeerAddr, msg protocol.Message) (protocol.Message, error) {
	if _, ok := msg.(protocol.StateRequest); ok {
		return protocol.StateResponse{Latest: types.NewLSN(1, 7)}, nil
	}
	return nil, dberrors.ErrInvalidArgument
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func serve(s *Server, method, target string, form url.Values) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthHandler(t *testing.T) {
	s := NewServer(newFakeNode(), "a", "")
	rr := serve(s, http.MethodGet, "/health", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decodeResp(t, rr)
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	node := newFakeNode()
	s := NewServer(node, "a", "")

	// PUT
	form := url.Values{}
	form.Set("key", "foo")
	form.Set("value", "bar")
	rr := serve(s, http.MethodPut, "/api/string", form)

	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Status != StatusSuccess || resp.LSN != types.NewLSN(1, 1).String() {
		t.Fatalf("put: unexpected response %+v", resp)
	}

	// GET
	rr = serve(s, http.MethodGet, "/api/string?key=foo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp = decodeResp(t, rr); resp.Value != "bar" {
		t.Fatalf("get: expected value 'bar', got '%s'", resp.Value)
	}

	// DELETE
	rr = serve(s, http.MethodDelete, "/api?key=foo", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET after delete -> 404
	rr = serve(s, http.MethodGet, "/api/string?key=foo", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestDatabaseAndSnapshotRoutes(t *testing.T) {
	node := newFakeNode()
	s := NewServer(node, "a", "")

	steps := []struct {
		method, target string
		code           int
	}{
		{http.MethodPost, "/api/db?name=users", http.StatusOK},
		{http.MethodPost, "/api/db?name=users", http.StatusBadRequest},
		{http.MethodPost, "/api/db/copy?name=users&target=users2", http.StatusOK},
		{http.MethodPost, "/api/db/copy?name=users", http.StatusBadRequest},
		{http.MethodPost, "/api/snapshot?db=users&name=s1", http.StatusOK},
		{http.MethodDelete, "/api/snapshot?db=users&name=s1", http.StatusOK},
		{http.MethodDelete, "/api/db?name=users2", http.StatusOK},
		{http.MethodDelete, "/api/db?name=missing", http.StatusNotFound},
		{http.MethodPost, "/api/snapshot?db=users", http.StatusBadRequest},
	}
	for _, st := range steps {
		rr := serve(s, st.method, st.target, nil)
		if rr.Code != st.code {
			t.Fatalf("%s %s: expected %d, got %d body=%s", st.method, st.target, st.code, rr.Code, rr.Body.String())
		}
	}

	dbs := strings.Join(node.state.Databases(), ",")
	if dbs != "default,users" {
		t.Fatalf("unexpected databases %q", dbs)
	}
}

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name dberrors.Code
	}{
		{dberrors.ErrNoMaster, http.StatusServiceUnavailable, dberrors.CodeNoMaster},
		{dberrors.ErrUnavailable, http.StatusServiceUnavailable, dberrors.CodeUnavailable},
		{fmt.Errorf("%w: master gone", dberrors.ErrRedirectFailure), http.StatusBadGateway, dberrors.CodeRedirectFailure},
		{dberrors.ErrReplicationFailure, http.StatusInternalServerError, dberrors.CodeReplicationFailure},
	}

	for _, c := range cases {
		node := newFakeNode()
		node.err = c.err
		s := NewServer(node, "a", "")

		form := url.Values{}
		form.Set("key", "k")
		form.Set("value", "v")
		rr := serve(s, http.MethodPut, "/api/string", form)
		if rr.Code != c.code {
			t.Fatalf("%v: expected %d, got %d", c.err, c.code, rr.Code)
		}
		resp := decodeResp(t, rr)
		if resp.Status != StatusError || resp.Code != string(c.name) {
			t.Fatalf("%v: unexpected response %+v", c.err, resp)
		}
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	s := NewServer(newFakeNode(), "a", "")

	if rr := serve(s, http.MethodPut, "/api/string", url.Values{}); rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := serve(s, http.MethodGet, "/api/string", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := serve(s, http.MethodDelete, "/api", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := serve(s, http.MethodPost, "/health", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestMetricsAndStatus(t *testing.T) {
	s := NewServer(newFakeNode(), "a", "")

	rr := serve(s, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`lsmrepl_role{node="a",role="master",master="a"} 1`,
		`lsmrepl_latest_lsn{view="1"} 7`,
		`lsmrepl_latest_common_lsn{view="1"} 5`,
		`lsmrepl_slave_lsn{peer="c",view="1"} 6`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics: missing %q in\n%s", want, body)
		}
	}

	rr = serve(s, http.MethodGet, "/status", nil)
	var st replication.Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Role != "master" || st.LatestLSN != types.NewLSN(1, 7) {
		t.Fatalf("status: unexpected %+v", st)
	}
}

func TestPeerEndpointMounted(t *testing.T) {
	s := NewServer(newFakeNode(), "a", "")
	ts := httptest.NewServer(s.createRouter())
	defer ts.Close()

	client := transport.NewHTTP("b")
	addr := types.PeerAddr(strings.TrimPrefix(ts.URL, "http://"))
	rp, err := protocol.Expect[protocol.StateResponse](client.Call(context.Background(), addr, protocol.StateRequest{}))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if rp.Latest != types.NewLSN(1, 7) {
		t.Fatalf("unexpected latest %s", rp.Latest)
	}

	_, err = client.Call(context.Background(), addr, protocol.Ack{LSN: types.NewLSN(1, 1)})
	if dberrors.CodeOf(err) != dberrors.CodeInvalidArgument {
		t.Fatalf("expected remote invalid argument, got %v", err)
	}
}
