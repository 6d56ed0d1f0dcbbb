// Package client is the operator-side HTTP client for the admin API,
// used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/packdock/stevedore/pkg/auth"
	"github.com/packdock/stevedore/pkg/errdefs"
	"github.com/packdock/stevedore/pkg/server"
	"github.com/packdock/stevedore/pkg/types"
)

const defaultTimeout = 15 * time.Second

// Client talks to one control plane admin endpoint.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a client for the given admin address.
func New(addr string) *Client {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// MintToken requests a join token for the given role.
func (c *Client) MintToken(ctx context.Context, role auth.JoinRole, ttl time.Duration) (*auth.JoinToken, error) {
	var jt auth.JoinToken
	req := server.MintTokenRequest{Role: role, TTLSeconds: int(ttl.Seconds())}
	if err := c.do(ctx, http.MethodPost, "/v1/tokens", req, &jt); err != nil {
		return nil, err
	}
	return &jt, nil
}

// JoinCluster asks the leader to admit a control plane peer as a raft
// voter.
func (c *Client) JoinCluster(ctx context.Context, token, nodeID, raftAddr string) error {
	req := server.JoinClusterRequest{Token: token, NodeID: nodeID, RaftAddr: raftAddr}
	return c.do(ctx, http.MethodPost, "/v1/cluster/join", req, nil)
}

// ListNodes returns all registered nodes.
func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var nodes []*types.Node
	if err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// CordonNode toggles scheduling on a node.
func (c *Client) CordonNode(ctx context.Context, nodeID string, unschedulable bool) error {
	path := "/v1/nodes/" + nodeID + "/cordon"
	return c.do(ctx, http.MethodPost, path, server.CordonRequest{Unschedulable: unschedulable}, nil)
}

// DrainNode evicts a node's pods and takes it out of the candidate set.
func (c *Client) DrainNode(ctx context.Context, nodeID string) ([]string, error) {
	var resp server.DrainResponse
	if err := c.do(ctx, http.MethodPost, "/v1/nodes/"+nodeID+"/drain", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Evicted, nil
}

// DeregisterNode removes a drained node.
func (c *Client) DeregisterNode(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/nodes/"+nodeID, nil, nil)
}

// CreatePack registers a pack version.
func (c *Client) CreatePack(ctx context.Context, pack *types.Pack) (*types.Pack, error) {
	var created types.Pack
	if err := c.do(ctx, http.MethodPost, "/v1/packs", pack, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListPacks returns all registered pack versions.
func (c *Client) ListPacks(ctx context.Context) ([]*types.Pack, error) {
	var packs []*types.Pack
	if err := c.do(ctx, http.MethodGet, "/v1/packs", nil, &packs); err != nil {
		return nil, err
	}
	return packs, nil
}

// CreateNamespace creates a namespace.
func (c *Client) CreateNamespace(ctx context.Context, name string) (*types.Namespace, error) {
	var ns types.Namespace
	if err := c.do(ctx, http.MethodPost, "/v1/namespaces", server.CreateNamespaceRequest{Name: name}, &ns); err != nil {
		return nil, err
	}
	return &ns, nil
}

// DeleteNamespace deletes or begins terminating a namespace.
func (c *Client) DeleteNamespace(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/v1/namespaces/"+name, nil, nil)
}

// ListNamespaces returns all namespaces.
func (c *Client) ListNamespaces(ctx context.Context) ([]*types.Namespace, error) {
	var out []*types.Namespace
	if err := c.do(ctx, http.MethodGet, "/v1/namespaces", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateWorkload declares a workload.
func (c *Client) CreateWorkload(ctx context.Context, w *types.Workload) (*types.Workload, error) {
	var created types.Workload
	if err := c.do(ctx, http.MethodPost, "/v1/workloads", w, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ScaleWorkload changes the replica count.
func (c *Client) ScaleWorkload(ctx context.Context, id string, replicas int) (*types.Workload, error) {
	var updated types.Workload
	path := "/v1/workloads/" + id + "/scale"
	if err := c.do(ctx, http.MethodPut, path, server.ScaleRequest{Replicas: replicas}, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteWorkload begins workload teardown.
func (c *Client) DeleteWorkload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/workloads/"+id, nil, nil)
}

// ListWorkloads returns all workloads.
func (c *Client) ListWorkloads(ctx context.Context) ([]*types.Workload, error) {
	var out []*types.Workload
	if err := c.do(ctx, http.MethodGet, "/v1/workloads", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListPods returns pods, optionally filtered by node or workload.
func (c *Client) ListPods(ctx context.Context, filter string) ([]*types.Pod, error) {
	path := "/v1/pods"
	if filter != "" {
		path += "?" + filter
	}
	var out []*types.Pod
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StopPod requests a graceful pod stop.
func (c *Client) StopPod(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/pods/"+id, nil, nil)
}

// CreatePriorityClass declares a priority class.
func (c *Client) CreatePriorityClass(ctx context.Context, pc *types.PriorityClass) error {
	return c.do(ctx, http.MethodPost, "/v1/priorityclasses", pc, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.BackendUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ep struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ep); err != nil || ep.Code == "" {
			return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return errdefs.FromCode(ep.Code, ep.Message)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
