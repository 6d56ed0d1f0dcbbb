package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/storage"
	"github.com/packdock/stevedore/pkg/store"
	"github.com/packdock/stevedore/pkg/types"
)

type adminHarness struct {
	state *store.Store
	joins *auth.JoinTokens
	admin *Admin
	srv   *httptest.Server
}

func newAdminHarness(t *testing.T) *adminHarness {
	t.Helper()
	a, err := storage.NewBoltAdapter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	s, err := store.New(a, nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateNamespace("default"))

	joins := auth.NewJoinTokens()
	admin := NewAdmin(s, joins, nil)
	srv := httptest.NewServer(admin.Handler())
	t.Cleanup(srv.Close)

	return &adminHarness{state: s, joins: joins, admin: admin, srv: srv}
}

func (h *adminHarness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAdminMintToken(t *testing.T) {
	h := newAdminHarness(t)

	resp := h.post(t, "/v1/tokens", MintTokenRequest{Role: auth.JoinRoleAgent, TTLSeconds: 60})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	jt := decodeBody[auth.JoinToken](t, resp)
	assert.NotEmpty(t, jt.Token)

	role, err := h.joins.Validate(jt.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.JoinRoleAgent, role)
}

func TestAdminMintTokenRejectsUnknownRole(t *testing.T) {
	h := newAdminHarness(t)

	resp := h.post(t, "/v1/tokens", MintTokenRequest{Role: "root"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminCreateAndListPacks(t *testing.T) {
	h := newAdminHarness(t)

	resp := h.post(t, "/v1/packs", types.Pack{
		Name: "web", Version: "1.0.0",
		Runtime: types.RuntimeServer, BundleRef: "web/1.0.0",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[types.Pack](t, resp)
	assert.NotEmpty(t, created.ID)

	// Duplicate (name, version) maps onto 409.
	dup := h.post(t, "/v1/packs", types.Pack{
		Name: "web", Version: "1.0.0",
		Runtime: types.RuntimeServer, BundleRef: "web/1.0.0",
	})
	defer dup.Body.Close()
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	list, err := http.Get(h.srv.URL + "/v1/packs")
	require.NoError(t, err)
	packs := decodeBody[[]*types.Pack](t, list)
	assert.Len(t, packs, 1)
}

func TestAdminErrorBodyCarriesWireCode(t *testing.T) {
	h := newAdminHarness(t)

	req, err := http.NewRequest(http.MethodDelete, h.srv.URL+"/v1/nodes/ghost", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	body := decodeBody[map[string]string](t, res)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

type terminateRecorder struct {
	calls []string
}

func (r *terminateRecorder) Terminate(pod *types.Pod, reason string) {
	r.calls = append(r.calls, pod.ID+":"+reason)
}

func TestAdminDrainEvictsAndTerminates(t *testing.T) {
	h := newAdminHarness(t)
	rec := &terminateRecorder{}
	h.admin.AttachCommander(rec)

	require.NoError(t, h.state.CreateNode(&types.Node{
		ID: "node-1", Name: "node-1", Runtime: types.RuntimeServer,
		Allocatable: types.Resources{CPUMillis: 4000, Pods: 10},
	}))
	require.NoError(t, h.state.CreatePod(&types.Pod{
		ID: "pod-1", PackName: "web", PackVersion: "1.0.0", Namespace: "default",
	}))
	require.NoError(t, h.state.BindPod("pod-1", "node-1"))

	resp := h.post(t, "/v1/nodes/node-1/drain", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	drained := decodeBody[DrainResponse](t, resp)
	assert.Equal(t, []string{"pod-1"}, drained.Evicted)
	assert.Equal(t, []string{"pod-1:" + types.ReasonDrained}, rec.calls)

	node, err := h.state.GetNode("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeDraining, node.Status)
}

func TestAdminScaleWorkload(t *testing.T) {
	h := newAdminHarness(t)
	require.NoError(t, h.state.CreatePack(&types.Pack{
		ID: "pack-1", Name: "web", Version: "1.0.0",
		Runtime: types.RuntimeServer, BundleRef: "web/1.0.0",
	}))
	require.NoError(t, h.state.CreateWorkload(&types.Workload{
		ID: "wl-1", Name: "web", Namespace: "default",
		PackName: "web", PackVersion: "1.0.0", Replicas: 1,
	}))

	req, err := http.NewRequest(http.MethodPut, h.srv.URL+"/v1/workloads/wl-1/scale",
		bytes.NewReader([]byte(`{"replicas":3}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[types.Workload](t, resp)
	assert.Equal(t, 3, updated.Replicas)
}

func TestAdminClusterJoinRequiresServerToken(t *testing.T) {
	h := newAdminHarness(t)
	h.admin.AttachCluster(joinRecorder{})

	agentToken, err := h.joins.Generate(auth.JoinRoleAgent, time.Minute)
	require.NoError(t, err)

	resp := h.post(t, "/v1/cluster/join", JoinClusterRequest{
		Token: agentToken.Token, NodeID: "srv-2", RaftAddr: "10.0.0.2:7422",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

type joinRecorder struct{}

func (joinRecorder) AddVoter(string, string) error { return nil }
func (joinRecorder) RemoveServer(string) error     { return nil }
