package engine

import (
	"fmt"
	"sort"

	coreerrors "github.com/livecalc/core/infrastructure/errors"
)

// Warning is a non-fatal observation raised during validation.
type Warning struct {
	NodeID  string
	Message string
}

// ValidatedPipeline is the output of Validate: a topological order over
// node ids plus the producer/consumer relation needed by the bus resource
// catalog. It is immutable once returned.
type ValidatedPipeline struct {
	Config            *PipelineDef
	NodesByID         map[string]*NodeConfig
	TopoOrder         []string
	ResourceProducer  map[string]string   // bus resource name -> producing node id
	ResourceConsumers map[string][]string // bus resource name -> consuming node ids, in declaration order
	Warnings          []Warning
}

// Validate runs the ordered rule set of §4.4 against a parsed pipeline
// configuration: non-empty node list, per-node field shape, id/resource
// uniqueness, orphan-input detection, and topological sort. It stops at
// the first rule class that fails, returning the first concrete error
// found within that class.
func Validate(cfg *PipelineConfig) (*ValidatedPipeline, error) {
	if cfg == nil {
		return nil, coreerrors.ConfigMissingField("pipeline")
	}
	nodes := cfg.Pipeline.Nodes

	if len(nodes) == 0 {
		return nil, coreerrors.ConfigMissingField("pipeline.nodes")
	}

	if err := validateNodeShapes(nodes); err != nil {
		return nil, err
	}

	nodesByID, err := validateNodeUniqueness(nodes)
	if err != nil {
		return nil, err
	}

	producer, consumers, err := validateResourceUniqueness(nodes)
	if err != nil {
		return nil, err
	}

	if err := validateOrphanInputs(nodes, producer); err != nil {
		return nil, err
	}

	topoOrder, err := topologicalSort(nodes, producer)
	if err != nil {
		return nil, err
	}

	warnings := collectWarnings(nodes, producer, consumers)

	return &ValidatedPipeline{
		Config:            &cfg.Pipeline,
		NodesByID:         nodesByID,
		TopoOrder:         topoOrder,
		ResourceProducer:  producer,
		ResourceConsumers: consumers,
		Warnings:          warnings,
	}, nil
}

func validateNodeShapes(nodes []NodeConfig) error {
	for i := range nodes {
		n := &nodes[i]
		if !nodeIDPattern.MatchString(n.ID) {
			return coreerrors.ConfigInvalidField(fmt.Sprintf("nodes[%d].id", i), n.ID, "must match ^[A-Za-z][A-Za-z0-9_-]*$")
		}
		if !engineRefPat.MatchString(n.Engine) {
			return coreerrors.ConfigInvalidField(n.ID+".engine", n.Engine, "must match ^(native|script)://[A-Za-z][A-Za-z0-9_-]*$")
		}
		if len(n.Outputs) == 0 {
			return coreerrors.ConfigInvalidField(n.ID+".outputs", "", "node must declare at least one output")
		}
		for _, out := range n.Outputs {
			if !busRefPattern.MatchString(out) {
				return coreerrors.ConfigInvalidField(n.ID+".outputs", out, "must match ^bus://[A-Za-z][A-Za-z0-9_/-]*$")
			}
		}
		for _, in := range n.Inputs {
			if isReservedInput(in) {
				continue
			}
			if !busRefPattern.MatchString(in) {
				return coreerrors.ConfigInvalidField(n.ID+".inputs", in, "must be a bus:// reference or $policies/$assumptions/$scenarios")
			}
		}
	}
	return nil
}

func validateNodeUniqueness(nodes []NodeConfig) (map[string]*NodeConfig, error) {
	byID := make(map[string]*NodeConfig, len(nodes))
	for i := range nodes {
		n := &nodes[i]
		if _, exists := byID[n.ID]; exists {
			return nil, coreerrors.DuplicateNode(n.ID)
		}
		byID[n.ID] = n
	}
	return byID, nil
}

func validateResourceUniqueness(nodes []NodeConfig) (map[string]string, map[string][]string, error) {
	producer := make(map[string]string)
	consumers := make(map[string][]string)

	for i := range nodes {
		n := &nodes[i]
		for _, out := range n.Outputs {
			if _, exists := producer[out]; exists {
				return nil, nil, coreerrors.DuplicateResource(out)
			}
			producer[out] = n.ID
		}
	}

	for i := range nodes {
		n := &nodes[i]
		for _, in := range n.Inputs {
			if isReservedInput(in) {
				continue
			}
			consumers[in] = append(consumers[in], n.ID)
		}
	}

	return producer, consumers, nil
}

func validateOrphanInputs(nodes []NodeConfig, producer map[string]string) error {
	for i := range nodes {
		n := &nodes[i]
		for _, in := range n.Inputs {
			if isReservedInput(in) {
				continue
			}
			if _, ok := producer[in]; !ok {
				return coreerrors.OrphanInput(n.ID, in)
			}
		}
	}
	return nil
}

// topologicalSort implements Kahn's algorithm over the producer->consumer
// edge relation. Node order ties are broken by declaration order to keep
// the result deterministic across runs of an identical config.
func topologicalSort(nodes []NodeConfig, producer map[string]string) ([]string, error) {
	declOrder := make(map[string]int, len(nodes))
	for i := range nodes {
		declOrder[nodes[i].ID] = i
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)

	for i := range nodes {
		n := &nodes[i]
		inDegree[n.ID] = 0
	}
	for i := range nodes {
		n := &nodes[i]
		seenProducers := make(map[string]bool)
		for _, in := range n.Inputs {
			if isReservedInput(in) {
				continue
			}
			prodID := producer[in]
			if seenProducers[prodID] {
				continue
			}
			seenProducers[prodID] = true
			inDegree[n.ID]++
			dependents[prodID] = append(dependents[prodID], n.ID)
		}
	}

	var ready []string
	for i := range nodes {
		if inDegree[nodes[i].ID] == 0 {
			ready = append(ready, nodes[i].ID)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return declOrder[ready[i]] < declOrder[ready[j]] })

	order := make([]string, 0, len(nodes))
	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}

	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		newlyReady := make([]string, 0)
		for _, dep := range dependents[next] {
			remaining[dep]--
			if remaining[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.Slice(newlyReady, func(i, j int) bool { return declOrder[newlyReady[i]] < declOrder[newlyReady[j]] })
		ready = append(ready, newlyReady...)
		sort.Slice(ready, func(i, j int) bool { return declOrder[ready[i]] < declOrder[ready[j]] })
	}

	if len(order) != len(nodes) {
		var cycle []string
		for id, deg := range remaining {
			if deg > 0 {
				cycle = append(cycle, id)
			}
		}
		sort.Strings(cycle)
		return nil, coreerrors.CyclicGraph(cycle)
	}

	return order, nil
}

func collectWarnings(nodes []NodeConfig, producer map[string]string, consumers map[string][]string) []Warning {
	var warnings []Warning
	hasAnyInputConsumer := make(map[string]bool)
	for i := range nodes {
		n := &nodes[i]
		for _, in := range n.Inputs {
			if isReservedInput(in) {
				continue
			}
			hasAnyInputConsumer[producer[in]] = true
		}
	}

	for i := range nodes {
		n := &nodes[i]
		for _, out := range n.Outputs {
			if len(consumers[out]) == 0 {
				warnings = append(warnings, Warning{NodeID: n.ID, Message: fmt.Sprintf("output %s is produced but never consumed", out)})
			}
		}
		if !hasAnyInputConsumer[n.ID] && len(n.Outputs) > 0 {
			allUnconsumed := true
			for _, out := range n.Outputs {
				if len(consumers[out]) > 0 {
					allUnconsumed = false
					break
				}
			}
			if allUnconsumed {
				warnings = append(warnings, Warning{NodeID: n.ID, Message: "sink node has no consumers at all"})
			}
		}
	}
	return warnings
}
