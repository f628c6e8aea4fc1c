package mediagraph

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
)

// ErrGraphNotDefined is returned when a manifest has no graph of a name.
var ErrGraphNotDefined = errors.New("graph not defined in manifest")

// Vars are the values manifests read as var.<name>.
type Vars map[string]string

func (v Vars) evalContext() *hcl.EvalContext {
	vals := make(map[string]cty.Value, len(v))
	for k, s := range v {
		vals[k] = cty.StringVal(s)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": cty.ObjectVal(vals)},
	}
}

// hclManifestFile is the top-level structure of a manifest for decoding.
type hclManifestFile struct {
	Graphs []*hclGraph `hcl:"graph,block"`
}

type hclGraph struct {
	Name  string     `hcl:"name,label"`
	Nodes []*hclNode `hcl:"node,block"`
	Links []*hclLink `hcl:"link,block"`
}

type hclNode struct {
	Alias           string         `hcl:"alias,label"`
	Kind            string         `hcl:"kind"`
	Properties      hcl.Expression `hcl:"properties,optional"`
	ChildProperties hcl.Expression `hcl:"child_properties,optional"`
}

type hclLink struct {
	Chain []string `hcl:"chain"`
}

// PropertySpec is one property assignment.
type PropertySpec struct {
	Name  string
	Value string
}

// NodeSpec describes one node of a graph.
type NodeSpec struct {
	Alias           string
	Kind            string
	Properties      []PropertySpec
	ChildProperties []PropertySpec
}

// GraphSpec describes a graph: its nodes in insertion order and the chains
// linking them.
type GraphSpec struct {
	Name  string
	Nodes []NodeSpec
	Links [][]string
}

// Manifest is a set of graph descriptions.
type Manifest struct {
	graphs map[string]*GraphSpec
	order  []string
}

// LoadManifest reads and parses an HCL manifest file.
func LoadManifest(path string, vars Vars) (*Manifest, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(path, src, vars)
}

// ParseManifest parses HCL manifest source. filename is used in
// diagnostics.
func ParseManifest(filename string, src []byte, vars Vars) (*Manifest, error) {
	m := &Manifest{graphs: make(map[string]*GraphSpec)}
	if err := m.parse(hclparse.NewParser(), filename, src, vars); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) parse(parser *hclparse.Parser, filename string, src []byte, vars Vars) error {
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse manifest %s: %w", filename, diags)
	}

	ctx := vars.evalContext()
	var parsed hclManifestFile
	if diags := gohcl.DecodeBody(file.Body, ctx, &parsed); diags.HasErrors() {
		return fmt.Errorf("failed to decode manifest %s: %w", filename, diags)
	}

	for _, g := range parsed.Graphs {
		if _, dup := m.graphs[g.Name]; dup {
			return fmt.Errorf("graph %q defined twice in %s", g.Name, filename)
		}
		spec := &GraphSpec{Name: g.Name}
		for _, n := range g.Nodes {
			props, err := evalProperties(n.Properties, ctx)
			if err != nil {
				return fmt.Errorf("graph %q node %q properties: %w", g.Name, n.Alias, err)
			}
			children, err := evalProperties(n.ChildProperties, ctx)
			if err != nil {
				return fmt.Errorf("graph %q node %q child_properties: %w", g.Name, n.Alias, err)
			}
			spec.Nodes = append(spec.Nodes, NodeSpec{
				Alias:           n.Alias,
				Kind:            n.Kind,
				Properties:      props,
				ChildProperties: children,
			})
		}
		for _, l := range g.Links {
			spec.Links = append(spec.Links, l.Chain)
		}
		m.graphs[g.Name] = spec
		m.order = append(m.order, g.Name)
	}
	return nil
}

// evalProperties evaluates an object of property values to strings, sorted
// by name. A missing attribute yields no properties.
func evalProperties(expr hcl.Expression, ctx *hcl.EvalContext) ([]PropertySpec, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.IsWhollyKnown() {
		return nil, errors.New("value is not known")
	}
	ty := val.Type()
	if !ty.IsObjectType() && !ty.IsMapType() {
		return nil, fmt.Errorf("expected an object, got %s", ty.FriendlyName())
	}

	var out []PropertySpec
	for it := val.ElementIterator(); it.Next(); {
		k, v := it.Element()
		s, err := ctyString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k.AsString(), err)
		}
		out = append(out, PropertySpec{Name: k.AsString(), Value: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func ctyString(v cty.Value) (string, error) {
	if v.IsNull() {
		return "", errors.New("value is null")
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", err
	}
	return s.AsString(), nil
}

// Names returns graph names in definition order.
func (m *Manifest) Names() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Graph returns the graph description named name.
func (m *Manifest) Graph(name string) (*GraphSpec, error) {
	g, ok := m.graphs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrGraphNotDefined, name)
	}
	return g, nil
}

// Validate checks aliases and link chains.
func (s *GraphSpec) Validate() error {
	var result *multierror.Error

	if len(s.Nodes) == 0 {
		result = multierror.Append(result, fmt.Errorf("graph %q has no nodes", s.Name))
	}
	seen := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		switch {
		case n.Alias == "":
			result = multierror.Append(result, fmt.Errorf("node %d has no alias", i))
		case seen[n.Alias]:
			result = multierror.Append(result, fmt.Errorf("%w: %q", ErrAliasInUse, n.Alias))
		}
		seen[n.Alias] = true
		if n.Kind == "" {
			result = multierror.Append(result, fmt.Errorf("node %q has no kind", n.Alias))
		}
	}
	for i, chain := range s.Links {
		if len(chain) < 2 {
			result = multierror.Append(result, fmt.Errorf("link %d needs at least two nodes", i))
		}
		for _, a := range chain {
			if !seen[a] {
				result = multierror.Append(result, fmt.Errorf("link %d: %w: %q", i, ErrNodeNotFound, a))
			}
		}
	}
	return result.ErrorOrNil()
}

// MissingKinds returns the node kinds engine cannot instantiate.
func (s *GraphSpec) MissingKinds(engine Engine) []string {
	var out []string
	for _, n := range s.Nodes {
		if !engine.HasKind(n.Kind) {
			out = append(out, n.Kind)
		}
	}
	return out
}

// Build creates the graph, its nodes and links. A node that cannot be
// created fails the build; a refused link is logged and building goes on,
// leaving the engine to report the unlinked stream when playing.
func (s *GraphSpec) Build(engine Engine, loop EventLoop) (*Graph, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	g, err := NewGraph(engine, loop, s.Name)
	if err != nil {
		return nil, err
	}

	for _, ns := range s.Nodes {
		var n *Node
		if ns.Kind == "appsink" {
			n = NewAppSink(engine, ns.Alias)
		} else {
			n = NewNode(engine, ns.Kind, ns.Alias)
		}
		if !n.IsInitialised() {
			g.Close()
			return nil, fmt.Errorf("%w: %s (%s)", ErrUninitialised, ns.Alias, ns.Kind)
		}
		for _, p := range ns.Properties {
			n.SetProperty(p.Name, p.Value)
		}
		for _, p := range ns.ChildProperties {
			n.SetChildProperty(p.Name, p.Value)
		}
		if _, err := g.AddNode(n); err != nil {
			n.Close()
			g.Close()
			return nil, err
		}
	}

	for _, chain := range s.Links {
		ok, err := g.LinkAliases(chain...)
		if err != nil {
			g.Close()
			return nil, err
		}
		if !ok {
			g.logger().WithField("chain", chain).Error("linkage failed")
		}
	}
	return g, nil
}
