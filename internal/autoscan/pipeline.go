package autoscan

import (
	"fmt"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/pkg/types"
)

type StepKind string

const (
	KindTool        StepKind = "tool"
	KindConsolidate StepKind = "consolidate"
	KindProbe       StepKind = "probe"
)

// Input names the session data a tool step is fed with.
type Input string

const (
	InputTarget         Input = "target"
	InputSubdomains     Input = "subdomains"
	InputLiveWebServers Input = "live_web_servers"
	InputCompanyDomains Input = "company_domains"
)

const probeTool = "httpx"

// StepDef is one entry of a pipeline catalog.
type StepDef struct {
	Name types.Step `json:"name" yaml:"name"`
	Kind StepKind   `json:"kind" yaml:"kind"`
	// Tool is the plugin a tool or probe step submits to.
	Tool  string `json:"tool,omitempty" yaml:"tool,omitempty"`
	Input Input  `json:"input,omitempty" yaml:"input,omitempty"`
	// Produces lists the asset kinds later consolidations read from this
	// step's result.
	Produces []types.AssetKind `json:"produces,omitempty" yaml:"produces,omitempty"`
	// Consolidates is the set a checkpoint writes.
	Consolidates types.AssetKind `json:"consolidates,omitempty" yaml:"consolidates,omitempty"`
	// Long steps are polled less often.
	Long bool `json:"long,omitempty" yaml:"long,omitempty"`
}

// IsCheckpoint reports whether the step always runs regardless of the
// config snapshot.
func (d StepDef) IsCheckpoint() bool {
	return d.Kind == KindConsolidate || d.Kind == KindProbe
}

func (d StepDef) produces(kind types.AssetKind) bool {
	for _, k := range d.Produces {
		if k == kind {
			return true
		}
	}
	return false
}

// Pipeline is the fixed, totally ordered step catalog for one target type.
type Pipeline struct {
	Name       string           `json:"name" yaml:"name"`
	TargetType types.TargetType `json:"target_type" yaml:"target_type"`
	Steps      []StepDef        `json:"steps" yaml:"steps"`
}

func tool(name, plugin string, input Input, long bool, produces ...types.AssetKind) StepDef {
	return StepDef{Name: types.Step(name), Kind: KindTool, Tool: plugin, Input: input, Long: long, Produces: produces}
}

func consolidate(name string, kind types.AssetKind) StepDef {
	return StepDef{Name: types.Step(name), Kind: KindConsolidate, Consolidates: kind}
}

func probe(name string) StepDef {
	return StepDef{Name: types.Step(name), Kind: KindProbe, Tool: probeTool, Input: InputSubdomains, Consolidates: types.AssetLiveWebServer}
}

var wildcardPipeline = &Pipeline{
	Name:       "wildcard",
	TargetType: types.TargetTypeWildcard,
	Steps: []StepDef{
		tool("amass", "amass", InputTarget, true, types.AssetSubdomain),
		tool("sublist3r", "sublist3r", InputTarget, false, types.AssetSubdomain),
		tool("assetfinder", "assetfinder", InputTarget, false, types.AssetSubdomain),
		tool("gau", "gau", InputTarget, true, types.AssetSubdomain),
		tool("ctl", "ctl", InputTarget, false, types.AssetSubdomain),
		tool("subfinder", "subfinder", InputTarget, false, types.AssetSubdomain),
		consolidate("consolidate_round1", types.AssetSubdomain),
		probe("httpx_round1"),
		tool("shuffledns", "shuffledns", InputTarget, true, types.AssetSubdomain),
		tool("cewl", "cewl", InputLiveWebServers, true, types.AssetSubdomain),
		consolidate("consolidate_round2", types.AssetSubdomain),
		probe("httpx_round2"),
		tool("gospider", "gospider", InputLiveWebServers, true, types.AssetSubdomain),
		tool("subdomainizer", "subdomainizer", InputLiveWebServers, true, types.AssetSubdomain),
		consolidate("consolidate_round3", types.AssetSubdomain),
		probe("httpx_round3"),
		tool("nuclei_screenshot", "nuclei_screenshot", InputLiveWebServers, true),
		tool("metadata", "metadata", InputLiveWebServers, true),
	},
}

var companyPipeline = &Pipeline{
	Name:       "company",
	TargetType: types.TargetTypeCompany,
	Steps: []StepDef{
		tool("amass_intel", "amass_intel", InputTarget, true, types.AssetCompanyDomain, types.AssetNetworkRange),
		tool("ctl_company", "ctl_company", InputTarget, false, types.AssetCompanyDomain),
		tool("asnmap", "asnmap", InputTarget, false, types.AssetNetworkRange),
		consolidate("consolidate_company_round1", types.AssetCompanyDomain),
		tool("whois_company", "whois_company", InputCompanyDomains, true, types.AssetCompanyDomain),
		consolidate("consolidate_company_round2", types.AssetCompanyDomain),
		consolidate("consolidate_network_ranges", types.AssetNetworkRange),
	},
}

// Pipelines returns every catalog in a stable order.
func Pipelines() []*Pipeline {
	return []*Pipeline{wildcardPipeline, companyPipeline}
}

// PipelineFor selects the catalog for a target type.
func PipelineFor(targetType types.TargetType) (*Pipeline, error) {
	for _, p := range Pipelines() {
		if p.TargetType == targetType {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, targetType)
}

// PipelineByName resolves the pipeline recorded on a session.
func PipelineByName(name string) (*Pipeline, error) {
	for _, p := range Pipelines() {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown pipeline %q", ErrResumeInconsistency, name)
}

func (p *Pipeline) First() types.Step {
	return p.Steps[0].Name
}

// Index returns the position of step, len(Steps) for completed, or -1.
func (p *Pipeline) Index(step types.Step) int {
	if step == types.StepCompleted {
		return len(p.Steps)
	}
	for i, def := range p.Steps {
		if def.Name == step {
			return i
		}
	}
	return -1
}

func (p *Pipeline) Lookup(step types.Step) (StepDef, bool) {
	i := p.Index(step)
	if i < 0 || i >= len(p.Steps) {
		return StepDef{}, false
	}
	return p.Steps[i], true
}

// Next is the step after the one at index i.
func (p *Pipeline) Next(i int) types.Step {
	if i+1 >= len(p.Steps) {
		return types.StepCompleted
	}
	return p.Steps[i+1].Name
}

// Sources returns the tool steps before index i that feed kind.
func (p *Pipeline) Sources(i int, kind types.AssetKind) []StepDef {
	var out []StepDef
	for _, def := range p.Steps[:i] {
		if def.Kind == KindTool && def.produces(kind) {
			out = append(out, def)
		}
	}
	return out
}

// TallyKinds lists the sets a session of this pipeline reports at the end.
func (p *Pipeline) TallyKinds() []types.AssetKind {
	seen := make(map[types.AssetKind]bool)
	var out []types.AssetKind
	for _, def := range p.Steps {
		if def.Consolidates != "" && !seen[def.Consolidates] {
			seen[def.Consolidates] = true
			out = append(out, def.Consolidates)
		}
	}
	return out
}

// ValidateSnapshot rejects keys that name no step of the pipeline, step
// toggles that are not booleans and limits that are not non-negative
// integers. Checkpoint keys are accepted but never disable anything.
func (p *Pipeline) ValidateSnapshot(snapshot types.ConfigSnapshot) error {
	var unknown, invalid []string
	for key, value := range snapshot {
		if types.IsLimitKey(key) {
			if _, ok := snapshot.Limit(key); !ok {
				invalid = append(invalid, key)
			}
			continue
		}
		if p.Index(types.Step(key)) < 0 || key == string(types.StepCompleted) {
			unknown = append(unknown, key)
			continue
		}
		if _, ok := value.(bool); !ok {
			invalid = append(invalid, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown steps for %s pipeline: %s", ErrInvalidConfig, p.Name, strings.Join(unknown, ", "))
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("%w: invalid values for %s", ErrInvalidConfig, strings.Join(invalid, ", "))
	}
	return nil
}

// Enabled reports whether def runs under snapshot.
func Enabled(def StepDef, snapshot types.ConfigSnapshot) bool {
	return def.IsCheckpoint() || snapshot.Enabled(def.Name)
}

// ValidateDefaults checks operator defaults, which may toggle steps of
// any pipeline.
func ValidateDefaults(defaults types.ConfigSnapshot) error {
	var unknown, invalid []string
	for key, value := range defaults {
		if types.IsLimitKey(key) {
			if _, ok := defaults.Limit(key); !ok {
				invalid = append(invalid, key)
			}
			continue
		}
		if !isStep(key) {
			unknown = append(unknown, key)
			continue
		}
		if _, ok := value.(bool); !ok {
			invalid = append(invalid, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown steps: %s", ErrInvalidConfig, strings.Join(unknown, ", "))
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("%w: invalid values for %s", ErrInvalidConfig, strings.Join(invalid, ", "))
	}
	return nil
}

func isStep(key string) bool {
	if key == string(types.StepCompleted) {
		return false
	}
	for _, p := range Pipelines() {
		if p.Index(types.Step(key)) >= 0 {
			return true
		}
	}
	return false
}

// Resolve builds the snapshot a new session is frozen with: the defaults
// for this pipeline's steps and every limit, overlaid by overrides.
func (p *Pipeline) Resolve(defaults, overrides types.ConfigSnapshot) types.ConfigSnapshot {
	resolved := types.ConfigSnapshot{}
	for key, value := range defaults {
		if types.IsLimitKey(key) || (key != string(types.StepCompleted) && p.Index(types.Step(key)) >= 0) {
			resolved[key] = value
		}
	}
	for key, value := range overrides {
		resolved[key] = value
	}
	for _, key := range types.LimitKeys() {
		if n, ok := resolved.Limit(key); ok {
			resolved.SetLimit(key, n)
		}
	}
	return resolved
}
