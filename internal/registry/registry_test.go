package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codex-k8s/stackctl/internal/validation"
)

func entry(component string, svc Service) *Entry {
	return &Entry{Component: &Component{Name: component}, Definition: &Definition{Service: svc}}
}

func sampleRegistry(t *testing.T) *Registry {
	t.Helper()
	keystone := entry("keystone", Service{
		Name: "keystone",
		Containers: []Container{{
			Name:   "keystone",
			Daemon: Command{Command: "keystone-all", Dependencies: []string{"mariadb", "rabbit:5672"}},
			Pre: []Command{
				{Name: "keystone-db-create", Type: CommandSingle, Dependencies: []string{"mariadb"}},
				{Name: "keystone-local-prep", Command: "prep"},
			},
			Post: []Command{
				{Name: "keystone-bootstrap", Type: CommandSingle, Dependencies: []string{"keystone-db-create"}},
			},
		}},
	})
	mariadb := entry("mariadb", Service{
		Name:       "mariadb",
		Containers: []Container{{Name: "mariadb"}},
	})
	rabbit := entry("rabbitmq", Service{
		Name:       "rabbitmq",
		Containers: []Container{{Name: "rabbit"}, {Name: "rabbit-exporter"}},
	})
	galera := entry("mariadb", Service{
		Name:       "galera",
		Containers: []Container{{Name: "mariadb"}},
	})
	galera.Alias = "mariadb"

	reg, err := New([]*Entry{keystone, mariadb, rabbit}, []*Entry{galera})
	require.NoError(t, err)
	return reg
}

func TestNew_OwnerIndexFromBaseOnly(t *testing.T) {
	reg := sampleRegistry(t)

	owner, ok := reg.Owner("mariadb")
	require.True(t, ok)
	assert.Equal(t, "mariadb", owner)

	owner, ok = reg.Owner("keystone-db-create")
	require.True(t, ok)
	assert.Equal(t, "keystone", owner)

	_, ok = reg.Owner("keystone-local-prep")
	assert.False(t, ok, "local commands are not units")

	assert.Equal(t, []string{"galera", "keystone", "mariadb", "rabbitmq"}, reg.Names())
	assert.Equal(t, []string{"galera", "mariadb"}, reg.ServicesOf("mariadb"))
}

func TestNew_DuplicateService(t *testing.T) {
	a := entry("a", Service{Name: "svc"})
	b := entry("b", Service{Name: "svc"})
	_, err := New([]*Entry{a}, []*Entry{b})
	assert.ErrorIs(t, err, ErrDuplicateService)
}

func TestExpandDependency(t *testing.T) {
	reg := sampleRegistry(t)

	tests := []struct {
		name    string
		token   string
		mapping map[string]string
		want    []string
	}{
		{name: "unit", token: "keystone-db-create", want: []string{"keystone/keystone-db-create"}},
		{name: "unit with suffix", token: "mariadb:3306", want: []string{"mariadb/mariadb"}},
		{name: "service fan-out", token: "rabbitmq", want: []string{"rabbitmq/rabbit", "rabbitmq/rabbit-exporter"}},
		{name: "unit owner remapped", token: "mariadb", mapping: map[string]string{"mariadb": "galera"}, want: []string{"galera/mariadb"}},
		{name: "service remapped", token: "db", mapping: map[string]string{"db": "rabbitmq"}, want: []string{"rabbitmq/rabbit", "rabbitmq/rabbit-exporter"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.ExpandDependency(tt.token, tt.mapping)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandDependency_NotFound(t *testing.T) {
	reg := sampleRegistry(t)
	_, err := reg.ExpandDependency("memcached", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDependencyNotFound)
	assert.True(t, validation.IsError(err))
}

func TestResolveDependencies(t *testing.T) {
	reg := sampleRegistry(t)
	require.NoError(t, reg.ResolveDependencies(func(string) map[string]string { return nil }))

	e, ok := reg.Get("keystone")
	require.True(t, ok)
	cont := e.Definition.Service.Containers[0]
	assert.Equal(t, []string{"mariadb/mariadb", "rabbitmq/rabbit"}, cont.Daemon.Dependencies)
	assert.Equal(t, []string{"mariadb/mariadb"}, cont.Pre[0].Dependencies)
	assert.Equal(t, []string{"keystone/keystone-db-create"}, cont.Post[0].Dependencies)

	// A second pass leaves qualified names untouched.
	require.NoError(t, reg.ResolveDependencies(func(string) map[string]string { return nil }))
	assert.Equal(t, []string{"mariadb/mariadb", "rabbitmq/rabbit"}, e.Definition.Service.Containers[0].Daemon.Dependencies)
}

func TestResolveDependencies_ReportsService(t *testing.T) {
	svc := entry("x", Service{Name: "x", Containers: []Container{{Name: "x", Daemon: Command{Dependencies: []string{"ghost"}}}}})
	reg, err := New([]*Entry{svc}, nil)
	require.NoError(t, err)

	err = reg.ResolveDependencies(func(string) map[string]string { return nil })
	assert.ErrorIs(t, err, ErrDependencyNotFound)
	assert.ErrorContains(t, err, `service "x"`)
}

func TestIsJobAndServiceKind(t *testing.T) {
	reg := sampleRegistry(t)
	assert.True(t, reg.IsJob("keystone/keystone-bootstrap"))
	assert.False(t, reg.IsJob("keystone/keystone"))
	assert.False(t, reg.IsJob("keystone"))
	assert.False(t, reg.IsJob("nova/keystone-bootstrap"))

	assert.Equal(t, KindDeployment, reg.ServiceKind("keystone"))
	assert.Equal(t, KindDeployment, reg.ServiceKind("unknown"))
}

func TestComponentUpgrade(t *testing.T) {
	var nilComponent *Component
	assert.False(t, nilComponent.HasUpgrades())

	c := &Component{Upgrades: map[string]UpgradeDefinition{DefaultUpgrade: {Upgrade: Upgrade{Name: "up"}}}}
	assert.True(t, c.HasUpgrades())
	def, ok := c.Upgrade()
	require.True(t, ok)
	assert.Equal(t, "up", def.Upgrade.Name)
}
