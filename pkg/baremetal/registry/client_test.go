package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baremetal-lab/inspector/pkg/baremetal"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{Endpoint: server.URL, AuthToken: "secret"})
}

func TestGetNode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/nodes/uuid1", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(baremetal.Node{
			UUID:           "uuid1",
			ProvisionState: "manageable",
			DriverInfo:     map[string]any{"ipmi_address": "1.2.3.4"},
		})
	})

	node, err := client.GetNode(context.Background(), "uuid1")
	require.NoError(t, err)
	assert.Equal(t, "uuid1", node.UUID)
	assert.Equal(t, "manageable", node.ProvisionState)
	assert.Equal(t, "1.2.3.4", baremetal.GetIPMIAddress(node))
}

func TestGetNodeNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such node", http.StatusNotFound)
	})

	_, err := client.GetNode(context.Background(), "missing")
	assert.ErrorIs(t, err, baremetal.ErrNotFound)
}

func TestListNodes(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/nodes", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"nodes": []map[string]any{
				{"uuid": "uuid1", "provision_state": "manageable"},
				{"uuid": "uuid2", "provision_state": "active"},
			},
		})
	})

	uuids, err := client.ListNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"uuid1", "uuid2"}, uuids)
}

func TestUpdateNode(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)

		var patches []baremetal.Patch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&patches))
		require.Len(t, patches, 1)
		assert.Equal(t, "add", patches[0].Op)
		assert.Equal(t, "/properties/cpus", patches[0].Path)

		_ = json.NewEncoder(w).Encode(baremetal.Node{
			UUID:       "uuid1",
			Properties: map[string]any{"cpus": "8"},
		})
	})

	node, err := client.UpdateNode(context.Background(), "uuid1", []baremetal.Patch{
		{Op: "add", Path: "/properties/cpus", Value: "8"},
	})
	require.NoError(t, err)
	assert.Equal(t, "8", node.Properties["cpus"])
}

func TestListPorts(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "uuid1", r.URL.Query().Get("node_uuid"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ports": []baremetal.Port{
				{UUID: "p1", NodeUUID: "uuid1", Address: "aa:bb:cc:dd:ee:f1"},
			},
		})
	})

	ports, err := client.ListPorts(context.Background(), "uuid1")
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "aa:bb:cc:dd:ee:f1", ports[0].Address)
}

func TestCreatePortConflict(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "MAC already registered", http.StatusConflict)
	})

	_, err := client.CreatePort(context.Background(), "uuid1", "aa:bb:cc:dd:ee:f1")
	assert.ErrorIs(t, err, baremetal.ErrConflict)
}

func TestSetPowerState(t *testing.T) {
	var target string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/nodes/uuid1/states/power", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		target = body["target"]
		w.WriteHeader(http.StatusAccepted)
	})
	ctx := context.Background()

	require.NoError(t, client.SetPowerState(ctx, "uuid1", baremetal.PowerReboot))
	assert.Equal(t, "rebooting", target)

	require.NoError(t, client.SetPowerState(ctx, "uuid1", baremetal.PowerOff))
	assert.Equal(t, "power off", target)

	assert.Error(t, client.SetPowerState(ctx, "uuid1", "hibernate"))
}

func TestBootDevice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "pxe", body["boot_device"])
			assert.Equal(t, false, body["persistent"])
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string]any{"boot_device": "pxe"})
		}
	})
	ctx := context.Background()

	require.NoError(t, client.SetBootDevice(ctx, "uuid1", "pxe", false))

	device, err := client.GetBootDevice(ctx, "uuid1")
	require.NoError(t, err)
	assert.Equal(t, "pxe", device)
}

func TestValidatePower(t *testing.T) {
	result := true
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/nodes/uuid1/validate", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"power": map[string]any{"result": result, "reason": "missing ipmi_password"},
		})
	})
	ctx := context.Background()

	require.NoError(t, client.ValidatePower(ctx, "uuid1"))

	result = false
	err := client.ValidatePower(ctx, "uuid1")
	assert.ErrorContains(t, err, "missing ipmi_password")
}

func TestAPIErrorMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "bad patch"})
	})

	_, err := client.UpdateNode(context.Background(), "uuid1", nil)
	assert.ErrorContains(t, err, "bad patch")
	assert.ErrorContains(t, err, "status 400")
}
