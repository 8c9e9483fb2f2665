// Package registry implements the feature registry: the
// single source of truth for every feature (indicator or structure)
// declared by a Play, indexed by id and by timeframe, with the
// expand/validate lifecycle the Feed Builder and DSL parser depend on.
package registry

import (
	"fmt"
	"sort"

	backtest "github.com/tradeforge/perpbacktest"
)

// FeatureKind distinguishes an indicator feature (computed by the external
// numeric provider) from a structure feature (computed from other
// features/structures by the engine's own structure detectors).
type FeatureKind string

const (
	KindIndicator FeatureKind = "indicator"
	KindStructure FeatureKind = "structure"
)

// InputSource is the OHLCV-derived series an indicator reads.
type InputSource string

const (
	InputOpen   InputSource = "open"
	InputHigh   InputSource = "high"
	InputLow    InputSource = "low"
	InputClose  InputSource = "close"
	InputVolume InputSource = "volume"
	InputHL2    InputSource = "hl2"
	InputHLC3   InputSource = "hlc3"
	InputOHLC4  InputSource = "ohlc4"
)

// NumericProvider is the contract over the external indicator math
// library. The registry never names a concrete library, it
// only talks to this interface.
type NumericProvider interface {
	IsSupported(indicatorType string) bool
	ValidateParams(indicatorType string, params map[string]any) error
	GetWarmupBars(indicatorType string, params map[string]any) (int, error)
	GetOutputSuffixes(indicatorType string) []string
	GetExpandedKeys(indicatorType, baseKey string) []string
	GetMutuallyExclusiveGroups(keys []string) [][]string
}

// StructureProvider is the contract over the structure detectors (pivots,
// swings, etc): metadata for validation/warmup/expansion plus the per-bar
// column computation itself, so the registry and feed builder stay free of
// detector math the same way they stay free of indicator math.
type StructureProvider interface {
	IsSupported(structureType string) bool
	ValidateParams(structureType string, params map[string]any) error
	// GetWarmup returns the warmup bar count for a structure, typically
	// 5*(left+right+1) for pivot-style detectors.
	GetWarmup(structureType string, params map[string]any) (int, error)
	// AllowedDependencyKinds lists the FeatureKinds a structure of this
	// type is permitted to depend on via `uses`.
	AllowedDependencyKinds(structureType string) []FeatureKind
	// GetOutputFields returns the structure's declared output fields and
	// types; "" keys a single-output structure.
	GetOutputFields(structureType string) map[string]backtest.FeatureOutputType
	// Compute evaluates the structure over the raw OHLCV input series,
	// returning same-length per-bar columns keyed by field ("" for
	// single-output), NaN where the structure is not yet defined. uses is
	// the feature's ordered `uses` list; deps maps each of those ids to
	// that dependency's already-computed columns (keyed by field).
	Compute(structureType string, inputs map[string][]float64, uses []string, deps map[string]map[string][]float64, params map[string]any) (map[string][]float64, error)
}

// Feature is an immutable, declared feature. Only one of
// IndicatorType/StructureType is set, selected by Kind.
type Feature struct {
	ID   string
	TF   backtest.Timeframe
	Kind FeatureKind

	// Indicator-only fields.
	IndicatorType string
	InputSource   InputSource
	Params        map[string]any

	// Structure-only fields.
	StructureType string
	Uses          []string

	// Populated by ExpandIndicatorOutputs / validate for structures:
	// field name -> declared output type.
	OutputKeys map[string]backtest.FeatureOutputType

	// MutuallyExclusiveGroups records groups of output keys where at most
	// one member is ever non-NaN at a given bar (e.g. SuperTrend's
	// long/short columns).
	MutuallyExclusiveGroups [][]string

	warmup int // resolved lazily by GetWarmupForTF via the providers
}

// OutputKeyFor returns the Feed Store column key for the given field. The
// "" field of a single-output feature (indicator or structure) is keyed by
// id alone; every named field is keyed by "id_field".
func (f *Feature) OutputKeyFor(field string) string {
	if field == "" {
		return f.ID
	}
	return f.ID + "_" + field
}

// Registry is the Map<feature_id -> Feature> plus Map<tf -> []Feature>,
// built incrementally via Add then finalized via Validate and
// ExpandIndicatorOutputs.
type Registry struct {
	numeric   NumericProvider
	structure StructureProvider

	byID     map[string]*Feature
	order    []string // insertion order, for deterministic iteration
	byTF     map[backtest.Timeframe][]*Feature
	expanded bool
}

// New constructs an empty Registry bound to the given provider contracts.
func New(numeric NumericProvider, structure StructureProvider) *Registry {
	return &Registry{
		numeric:   numeric,
		structure: structure,
		byID:      make(map[string]*Feature),
		byTF:      make(map[backtest.Timeframe][]*Feature),
	}
}

// Add indexes a feature by id and by timeframe. Rejects duplicate ids.
func (r *Registry) Add(f *Feature) error {
	if _, exists := r.byID[f.ID]; exists {
		return &backtest.ConfigurationError{
			Kind: backtest.ErrDuplicateFeatureID, ID: f.ID,
			Detail: "a feature with this id was already added",
		}
	}
	r.byID[f.ID] = f
	r.order = append(r.order, f.ID)
	r.byTF[f.TF] = append(r.byTF[f.TF], f)
	return nil
}

// Get looks up a feature by id.
func (r *Registry) Get(id string) (*Feature, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// ForTF returns all features declared on the given timeframe, in
// declaration order.
func (r *Registry) ForTF(tf backtest.Timeframe) []*Feature {
	return r.byTF[tf]
}

// IDs returns every registered feature id in declaration order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Validate checks every structural invariant: unknown
// indicator/structure types, invalid params, dangling `uses` references,
// and incompatible dependency kinds. Must be called once, after every
// feature has been Add()ed and before ExpandIndicatorOutputs.
func (r *Registry) Validate() error {
	for _, id := range r.order {
		f := r.byID[id]
		switch f.Kind {
		case KindIndicator:
			if !r.numeric.IsSupported(f.IndicatorType) {
				return &backtest.ConfigurationError{
					Kind: backtest.ErrUnknownIndicatorType, ID: f.ID,
					Detail: fmt.Sprintf("indicator_type %q is not supported", f.IndicatorType),
				}
			}
			if err := r.numeric.ValidateParams(f.IndicatorType, f.Params); err != nil {
				return &backtest.ConfigurationError{
					Kind: backtest.ErrInvalidIndicatorParams, ID: f.ID,
					Detail: err.Error(),
				}
			}
		case KindStructure:
			if !r.structure.IsSupported(f.StructureType) {
				return &backtest.ConfigurationError{
					Kind: backtest.ErrUnknownStructureType, ID: f.ID,
					Detail: fmt.Sprintf("structure_type %q is not supported", f.StructureType),
				}
			}
			if err := r.structure.ValidateParams(f.StructureType, f.Params); err != nil {
				return &backtest.ConfigurationError{
					Kind: backtest.ErrInvalidIndicatorParams, ID: f.ID,
					Detail: err.Error(),
				}
			}
			allowed := r.structure.AllowedDependencyKinds(f.StructureType)
			for _, dep := range f.Uses {
				depFeature, ok := r.byID[dep]
				if !ok {
					return &backtest.ConfigurationError{
						Kind: backtest.ErrDanglingDependency, ID: f.ID,
						Detail: fmt.Sprintf("uses %q which is not declared", dep),
					}
				}
				if !kindAllowed(depFeature.Kind, allowed) {
					return &backtest.ConfigurationError{
						Kind: backtest.ErrIncompatibleDependencyKind, ID: f.ID,
						Detail:   fmt.Sprintf("dependency %q has kind %q", dep, depFeature.Kind),
						Expected: fmt.Sprintf("%v", allowed),
					}
				}
			}
		default:
			return &backtest.ConfigurationError{Kind: backtest.ErrUnknownStructureType, ID: f.ID, Detail: "unknown feature kind"}
		}
	}
	// Structure dependency graphs must be acyclic: runtime computation
	// happens in topological order, which a cycle makes impossible.
	_, err := r.StructuresInTopoOrder("")
	return err
}

// StructuresInTopoOrder returns the structure features declared on tf
// ("" for all timeframes) ordered so that every feature appears after the
// structures it `uses`. A dependency cycle is a ConfigurationError.
func (r *Registry) StructuresInTopoOrder(tf backtest.Timeframe) ([]*Feature, error) {
	var out []*Feature
	state := map[string]int{} // 0 unvisited, 1 visiting, 2 done
	var visit func(f *Feature) error
	visit = func(f *Feature) error {
		switch state[f.ID] {
		case 2:
			return nil
		case 1:
			return &backtest.ConfigurationError{
				Kind: backtest.ErrDanglingDependency, ID: f.ID,
				Detail: "circular structure dependency via uses",
			}
		}
		state[f.ID] = 1
		for _, dep := range f.Uses {
			if depFeature, ok := r.byID[dep]; ok && depFeature.Kind == KindStructure {
				if err := visit(depFeature); err != nil {
					return err
				}
			}
		}
		state[f.ID] = 2
		if tf == "" || f.TF == tf {
			out = append(out, f)
		}
		return nil
	}
	for _, id := range r.order {
		f := r.byID[id]
		if f.Kind != KindStructure {
			continue
		}
		if err := visit(f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func kindAllowed(k FeatureKind, allowed []FeatureKind) bool {
	for _, a := range allowed {
		if a == k {
			return true
		}
	}
	return false
}

// ExpandIndicatorOutputs resolves the declared output keys of every
// feature: indicators via the numeric provider's canonical expanded keys,
// structures via the structure provider's output fields. Idempotent:
// calling it twice is a no-op the second time.
func (r *Registry) ExpandIndicatorOutputs() error {
	if r.expanded {
		return nil
	}
	for _, id := range r.order {
		f := r.byID[id]
		if f.Kind == KindStructure {
			fields := r.structure.GetOutputFields(f.StructureType)
			if len(fields) == 0 {
				return &backtest.ConfigurationError{
					Kind: backtest.ErrUnknownStructureType, ID: f.ID,
					Detail: fmt.Sprintf("structure_type %q declares no output fields", f.StructureType),
				}
			}
			f.OutputKeys = make(map[string]backtest.FeatureOutputType, len(fields))
			for field, typ := range fields {
				f.OutputKeys[field] = typ
			}
			continue
		}
		suffixes := r.numeric.GetOutputSuffixes(f.IndicatorType)
		f.OutputKeys = make(map[string]backtest.FeatureOutputType)
		if len(suffixes) == 0 {
			keys := r.numeric.GetExpandedKeys(f.IndicatorType, f.ID)
			if len(keys) != 1 {
				return &backtest.ConfigurationError{
					Kind: backtest.ErrInvalidIndicatorParams, ID: f.ID,
					Detail: "single-output indicator must expand to exactly one key",
				}
			}
			f.OutputKeys[""] = backtest.OutputFloat
		} else {
			for _, suffix := range suffixes {
				keys := r.numeric.GetExpandedKeys(f.IndicatorType, f.ID+"_"+suffix)
				if len(keys) == 0 {
					return &backtest.ConfigurationError{
						Kind: backtest.ErrInvalidIndicatorParams, ID: f.ID,
						Detail: fmt.Sprintf("no expanded keys for suffix %q", suffix),
					}
				}
				f.OutputKeys[suffix] = backtest.OutputFloat
			}
			allKeys := make([]string, 0, len(suffixes))
			for suffix := range f.OutputKeys {
				allKeys = append(allKeys, f.OutputKeyFor(suffix))
			}
			f.MutuallyExclusiveGroups = r.numeric.GetMutuallyExclusiveGroups(allKeys)
		}
	}
	r.expanded = true
	return nil
}

// GetOutputType returns the declared output type of a feature's field.
// Used by the DSL parser to validate
// operator/type compatibility.
func (r *Registry) GetOutputType(featureID, field string) (backtest.FeatureOutputType, error) {
	f, ok := r.byID[featureID]
	if !ok {
		return "", &backtest.ConfigurationError{Kind: backtest.ErrDanglingDependency, ID: featureID, Detail: "unknown feature id"}
	}
	if t, ok := f.OutputKeys[field]; ok {
		return t, nil
	}
	return "", &backtest.ConfigurationError{
		Kind: backtest.ErrDanglingDependency, ID: featureID,
		Detail: fmt.Sprintf("no such field %q", field),
	}
}

// GetWarmupForTF returns the maximum warmup (in bars, on that TF) across
// every feature declared on tf.
func (r *Registry) GetWarmupForTF(tf backtest.Timeframe) (int, error) {
	max := 0
	for _, f := range r.byTF[tf] {
		w, err := r.warmupFor(f)
		if err != nil {
			return 0, err
		}
		if w > max {
			max = w
		}
	}
	return max, nil
}

func (r *Registry) warmupFor(f *Feature) (int, error) {
	if f.warmup > 0 {
		return f.warmup, nil
	}
	var w int
	var err error
	switch f.Kind {
	case KindIndicator:
		w, err = r.numeric.GetWarmupBars(f.IndicatorType, f.Params)
	case KindStructure:
		w, err = r.structure.GetWarmup(f.StructureType, f.Params)
		for _, dep := range f.Uses {
			depFeature := r.byID[dep]
			depW, depErr := r.warmupFor(depFeature)
			if depErr != nil {
				return 0, depErr
			}
			if depW > w {
				w = depW
			}
		}
	}
	if err != nil {
		return 0, err
	}
	f.warmup = w
	return w, nil
}

// SortedTFs returns every timeframe that has at least one declared feature,
// sorted by ascending duration. Useful for deterministic Feed Store
// construction order.
func (r *Registry) SortedTFs() []backtest.Timeframe {
	tfs := make([]backtest.Timeframe, 0, len(r.byTF))
	for tf := range r.byTF {
		tfs = append(tfs, tf)
	}
	sort.Slice(tfs, func(i, j int) bool {
		mi, _ := tfs[i].Minutes()
		mj, _ := tfs[j].Minutes()
		return mi < mj
	})
	return tfs
}
