package scheduler

import (
	"sort"

	"github.com/packdock/stevedore/pkg/types"
)

// Weights tune the scoring terms. The defaults favor free capacity,
// then spread, then label affinity, minus a soft-taint penalty.
type Weights struct {
	Resource  float64
	Spread    float64
	Affinity  float64
	SoftTaint float64
}

// DefaultWeights are the stock scoring weights.
func DefaultWeights() Weights {
	return Weights{Resource: 0.5, Spread: 0.3, Affinity: 0.2, SoftTaint: 0.2}
}

// rankNodes orders candidates best-first. Ties break on lower node id
// so repeated scheduling of an identical pod is stable.
func rankNodes(pod *types.Pod, candidates []*types.Node, w Weights) []*types.Node {
	totalPods := int64(0)
	for _, n := range candidates {
		totalPods += n.Allocated.Pods
	}

	scores := make(map[string]float64, len(candidates))
	for _, n := range candidates {
		scores[n.ID] = scoreNode(pod, n, totalPods, w)
	}

	ranked := append([]*types.Node(nil), candidates...)
	sort.Slice(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

func scoreNode(pod *types.Pod, node *types.Node, totalPods int64, w Weights) float64 {
	score := w.Resource * freeFraction(node)
	score += w.Spread * (1 - loadShare(node, totalPods))
	score += w.Affinity * affinityMatch(pod, node)
	if softTainted(pod, node) {
		score -= w.SoftTaint
	}
	return score
}

// freeFraction averages the free share across the resource dimensions
// the node actually declares.
func freeFraction(node *types.Node) float64 {
	remaining := node.Remaining()
	sum, dims := 0.0, 0
	for _, pair := range [][2]int64{
		{remaining.CPUMillis, node.Allocatable.CPUMillis},
		{remaining.MemoryBytes, node.Allocatable.MemoryBytes},
		{remaining.StorageBytes, node.Allocatable.StorageBytes},
		{remaining.Pods, node.Allocatable.Pods},
	} {
		if pair[1] <= 0 {
			continue
		}
		sum += float64(pair[0]) / float64(pair[1])
		dims++
	}
	if dims == 0 {
		return 0
	}
	return sum / float64(dims)
}

// loadShare is the node's slice of the pods currently placed across the
// candidate set, so emptier nodes win the spread term.
func loadShare(node *types.Node, totalPods int64) float64 {
	if totalPods <= 0 {
		return 0
	}
	return float64(node.Allocated.Pods) / float64(totalPods)
}

// affinityMatch is the fraction of the pod's labels the node also
// carries. Soft preference only; hard placement goes through the node
// selector in the filter.
func affinityMatch(pod *types.Pod, node *types.Node) float64 {
	if len(pod.Labels) == 0 {
		return 0
	}
	matched := 0
	for k, v := range pod.Labels {
		if node.Labels[k] == v {
			matched++
		}
	}
	return float64(matched) / float64(len(pod.Labels))
}

// softTainted reports an untolerated PreferNoSchedule taint.
func softTainted(pod *types.Pod, node *types.Node) bool {
	return types.UntoleratedTaint(node.Taints, pod.Tolerations, types.TaintPreferNoSchedule) != nil
}
