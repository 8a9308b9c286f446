package scope

import (
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"github.com/coral-mesh/certrotor/internal/errors"
	"github.com/coral-mesh/certrotor/internal/pki"
)

// NodeList is a repeatable, comma-separated --node flag.
type NodeList []string

var _ pflag.Value = (*NodeList)(nil)

func (l *NodeList) String() string { return strings.Join(*l, ",") }

func (l *NodeList) Set(v string) error {
	for _, name := range strings.Split(v, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			return errors.Configf("node", "empty node name in %q", v)
		}
		*l = append(*l, name)
	}
	return nil
}

func (l *NodeList) Type() string { return "node" }

// Flags holds the scope flags of one command.
type Flags struct {
	Nodes  NodeList
	All    bool
	Select string
}

// Register adds --node, --all and --select to fs.
func (f *Flags) Register(fs *pflag.FlagSet) {
	fs.Var(&f.Nodes, "node", "Node to act on (repeatable, comma-separated)")
	fs.BoolVar(&f.All, "all", false, "Act on every node in the inventory")
	fs.StringVar(&f.Select, "select", "", "CEL expression selecting nodes, e.g. 'data_plane && ca_role == \"none\"'")
}

// Resolve returns the names of the selected nodes in name order. Exactly one
// of the three flags must be set.
func (f *Flags) Resolve(nodes []pki.NodeIdentity) ([]string, error) {
	set := 0
	if len(f.Nodes) > 0 {
		set++
	}
	if f.All {
		set++
	}
	if f.Select != "" {
		set++
	}
	if set != 1 {
		return nil, errors.Configf("scope", "exactly one of --node, --all or --select is required")
	}

	var names []string
	switch {
	case f.All:
		for _, n := range nodes {
			names = append(names, n.Name)
		}
	case f.Select != "":
		sel, err := Compile(f.Select)
		if err != nil {
			return nil, err
		}
		matched, err := sel.Filter(nodes)
		if err != nil {
			return nil, err
		}
		for _, n := range matched {
			names = append(names, n.Name)
		}
	default:
		known := make(map[string]bool, len(nodes))
		for _, n := range nodes {
			known[n.Name] = true
		}
		seen := make(map[string]bool)
		for _, name := range f.Nodes {
			if !known[name] {
				return nil, errors.Configf("node", "unknown node %q", name)
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return nil, errors.Configf("scope", "no nodes selected")
	}
	sort.Strings(names)
	return names, nil
}
