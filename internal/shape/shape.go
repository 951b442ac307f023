// Package shape defines the named free-tier compute shape templates.
//
// A shape bundles the policy defaults that vary between "always free"
// instance types: the CPU p95 target band, the exceedance target, whether
// the memory axis participates in the network-fallback predicate, and
// whether external network egress is required at all. freetierd does not
// probe cloud metadata to pick a shape automatically (that auto-detection
// is an external collaborator); the operator names one with the `shape`
// option (config file key or FREETIERD_SHAPE), and explicit option
// overrides still win over the template.
package shape

import "fmt"

// Template is a named bundle of policy defaults for one compute shape.
type Template struct {
	Name string

	P95Min          float64
	P95Max          float64
	TargetRatio     float64
	HighIntensity   float64
	BaselineIntensity float64

	// MemPolicyEnabled reports whether this shape's reclamation rule
	// counts memory utilization at all. E2 shapes are billed on CPU+net
	// only; A1 (Ampere) shapes additionally require memory to stay above
	// the floor, so the net-fallback predicate must include S_mem.
	MemPolicyEnabled bool
	MemTargetPct     float64

	// NetRequired reports whether this shape's egress must reach a
	// genuinely external address (as opposed to being purely local).
	NetRequired bool
}

// Known shape names.
const (
	E2Micro1 = "E2.1.Micro"
	E2Micro2 = "E2.2.Micro"
	A1Flex   = "A1.Flex"
)

var templates = map[string]Template{
	E2Micro1: {
		Name:              E2Micro1,
		P95Min:            22.0,
		P95Max:            28.0,
		TargetRatio:       6.5,
		HighIntensity:     35.0,
		BaselineIntensity: 20.0,
		MemPolicyEnabled:  false,
		MemTargetPct:      0,
		NetRequired:       true,
	},
	E2Micro2: {
		Name:              E2Micro2,
		P95Min:            22.0,
		P95Max:            28.0,
		TargetRatio:       6.5,
		HighIntensity:     35.0,
		BaselineIntensity: 20.0,
		MemPolicyEnabled:  false,
		MemTargetPct:      0,
		NetRequired:       true,
	},
	A1Flex: {
		Name:              A1Flex,
		P95Min:            22.0,
		P95Max:            28.0,
		TargetRatio:       6.5,
		HighIntensity:     35.0,
		BaselineIntensity: 20.0,
		MemPolicyEnabled:  true,
		MemTargetPct:      25.0,
		NetRequired:       true,
	},
}

// Lookup returns the named template, or an error if the name is unknown.
func Lookup(name string) (Template, error) {
	if name == "" {
		return Template{}, nil
	}
	t, ok := templates[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown shape %q (known: %s, %s, %s)", name, E2Micro1, E2Micro2, A1Flex)
	}
	return t, nil
}

// Names returns the recognized shape names, for help text and validation errors.
func Names() []string {
	return []string{E2Micro1, E2Micro2, A1Flex}
}
