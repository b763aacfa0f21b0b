package topology

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stackctl/internal/config"
	"github.com/codex-k8s/stackctl/internal/registry"
	"github.com/codex-k8s/stackctl/internal/validation"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolve(t *testing.T) {
	nodes := map[string]config.Node{
		`node[1-2]`: {Roles: []string{"controller"}},
		`node`:      {Roles: []string{"compute"}},
	}
	roles := map[string][]string{
		"controller": {"keystone", "mariadb"},
		"compute":    {"nova-compute", "keystone"},
	}
	hosts := []string{"node1", "node2", "node10", "xnode3"}

	topo, err := Resolve(nodes, roles, nil, hosts, discard())
	require.NoError(t, err)

	assert.Equal(t, []string{"node1", "node10", "node2"}, topo["nova-compute"])
	assert.Equal(t, []string{"node1", "node10", "node2"}, topo["keystone"])
	assert.Equal(t, []string{"node1", "node10", "node2"}, topo["mariadb"], "prefix match also takes node10")
	assert.Equal(t, []string{"node1", "node10", "node2"}, topo[JobsRole])
	assert.NotContains(t, topo[JobsRole], "xnode3", "matching is anchored at the start")
	assert.Equal(t, []string{"keystone", "mariadb", "nova-compute"}, topo.Services())
}

func TestResolve_AnchoredMatch(t *testing.T) {
	tests := []struct {
		pattern string
		host    string
		match   bool
	}{
		{pattern: `node1`, host: "node1", match: true},
		{pattern: `node1`, host: "node1.example.com", match: true},
		{pattern: `node1`, host: "anode1", match: false},
		{pattern: `.*1`, host: "anode1", match: true},
		{pattern: `a|b`, host: "xb", match: false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.host, func(t *testing.T) {
			topo, err := Resolve(
				map[string]config.Node{tt.pattern: {Roles: []string{"r"}}},
				map[string][]string{"r": {"svc"}},
				nil, []string{tt.host}, discard(),
			)
			require.NoError(t, err)
			if tt.match {
				assert.Equal(t, []string{tt.host}, topo["svc"])
			} else {
				assert.Empty(t, topo["svc"])
			}
		})
	}
}

func TestResolve_Replicas(t *testing.T) {
	nodes := map[string]config.Node{`node`: {Roles: []string{"controller"}}}
	roles := map[string][]string{"controller": {"keystone"}}
	hosts := []string{"node1", "node2"}

	_, err := Resolve(nodes, roles, map[string]int{"keystone": 2}, hosts, discard())
	require.NoError(t, err)

	_, err = Resolve(nodes, roles, map[string]int{"keystone": 3}, hosts, discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReplicasExceedHosts)
	assert.True(t, validation.IsError(err))
}

func TestResolve_DanglingReplicas(t *testing.T) {
	nodes := map[string]config.Node{`node`: {Roles: []string{"controller"}}}
	roles := map[string][]string{"controller": {"keystone"}}

	_, err := Resolve(nodes, roles, map[string]int{"ghost": 1, "phantom": 1}, []string{"node1"}, discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDanglingReplicas)
	assert.ErrorContains(t, err, "ghost, phantom")
}

func TestResolve_OverrideForUnplacedService(t *testing.T) {
	nodes := map[string]config.Node{`node`: {Roles: []string{"controller"}}}
	roles := map[string][]string{"controller": {"keystone"}, "storage": {"ceph"}}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	_, err := Resolve(nodes, roles, map[string]int{"ceph": 1}, []string{"node1"}, logger)
	assert.ErrorIs(t, err, ErrNotInTopology)
	assert.Contains(t, buf.String(), "role=storage")
}

func TestResolve_UnusedRoleWarns(t *testing.T) {
	nodes := map[string]config.Node{`node`: {Roles: []string{"controller"}}, `db`: {Roles: []string{"storage"}}}
	roles := map[string][]string{"controller": {"keystone"}, "storage": {"mariadb"}}

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	topo, err := Resolve(nodes, roles, nil, []string{"node1"}, logger)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Role defined, but unused")
	assert.True(t, topo.Has("mariadb"))
	assert.Empty(t, topo["mariadb"])
}

func TestResolve_EmptySections(t *testing.T) {
	_, err := Resolve(nil, map[string][]string{"r": {"s"}}, nil, nil, discard())
	assert.ErrorIs(t, err, ErrEmptyTopology)

	_, err = Resolve(map[string]config.Node{"n": {Roles: []string{"r"}}}, nil, nil, nil, discard())
	assert.ErrorIs(t, err, ErrEmptyTopology)
}

func TestResolve_InvalidPattern(t *testing.T) {
	_, err := Resolve(map[string]config.Node{"node[": {Roles: []string{"r"}}}, map[string][]string{"r": {"s"}}, nil, []string{"node1"}, discard())
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestReplicasFor(t *testing.T) {
	topo := Topology{"agent": {"node1", "node2", "node3"}, "api": {"node1", "node2"}}

	n, err := ReplicasFor("agent", registry.KindDaemonSet, nil, topo)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = ReplicasFor("agent", registry.KindDaemonSet, map[string]int{"agent": 3}, topo)
	assert.ErrorIs(t, err, ErrDaemonSetReplicas, "rejected even when the count matches the hosts")

	n, err = ReplicasFor("api", registry.KindDeployment, map[string]int{"api": 2}, topo)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = ReplicasFor("api", registry.KindStatefulSet, nil, topo)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
