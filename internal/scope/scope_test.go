package scope

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

var inventory = []pki.NodeIdentity{
	{Name: "etcd-1", Addresses: []string{"10.0.0.1"}, DataPlane: true, CARole: pki.CARolePrimary},
	{Name: "etcd-2", Addresses: []string{"10.0.0.2"}, DataPlane: true, CARole: pki.CARoleNone},
	{Name: "etcd-3", Addresses: []string{"10.0.0.3"}, DataPlane: true, CARole: pki.CARoleNone},
	{Name: "vault", DataPlane: false, CARole: pki.CARoleBackup},
}

func TestSelector(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{`data_plane`, []string{"etcd-1", "etcd-2", "etcd-3"}},
		{`ca_role == "backup"`, []string{"vault"}},
		{`name.startsWith("etcd-") && ca_role == "none"`, []string{"etcd-2", "etcd-3"}},
		{`"10.0.0.3" in addresses`, []string{"etcd-3"}},
		{`size(addresses) == 0`, []string{"vault"}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			sel, err := Compile(tt.expr)
			require.NoError(t, err)
			got, err := sel.Filter(inventory)
			require.NoError(t, err)
			var names []string
			for _, n := range got {
				names = append(names, n.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{`name +`, `name`, `unknown_var == 1`} {
		_, err := Compile(expr)
		var ce *errors.ConfigError
		assert.ErrorAs(t, err, &ce, expr)
	}
}

func TestFlagsResolve(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    []string
		wantErr bool
	}{
		{"repeated nodes", []string{"--node", "etcd-2", "--node", "etcd-1,etcd-2"}, []string{"etcd-1", "etcd-2"}, false},
		{"all", []string{"--all"}, []string{"etcd-1", "etcd-2", "etcd-3", "vault"}, false},
		{"select", []string{"--select", `!data_plane`}, []string{"vault"}, false},
		{"unknown node", []string{"--node", "etcd-9"}, nil, true},
		{"nothing set", nil, nil, true},
		{"conflicting", []string{"--all", "--node", "etcd-1"}, nil, true},
		{"empty selection", []string{"--select", `name == "x"`}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Flags
			fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
			f.Register(fs)
			require.NoError(t, fs.Parse(tt.args))

			got, err := f.Resolve(inventory)
			if tt.wantErr {
				var ce *errors.ConfigError
				assert.ErrorAs(t, err, &ce)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNodeListRejectsEmpty(t *testing.T) {
	var l NodeList
	assert.Error(t, l.Set("a,,b"))
	assert.Equal(t, "node", l.Type())
}
