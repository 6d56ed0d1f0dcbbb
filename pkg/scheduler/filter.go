package scheduler

import (
	"github.com/Masterminds/semver/v3"

	"github.com/packdock/stevedore/pkg/types"
)

// LabelAdminNode marks a node allowed to run any private pack.
const LabelAdminNode = "packdock.io/admin"

// RejectionReason categorizes why no node accepted a pod. Emitted with
// the unschedulable event and as a metric label.
type RejectionReason string

const (
	ReasonNoNodes               RejectionReason = "no-nodes"
	ReasonNoCompatibleNodes     RejectionReason = "no-compatible-nodes"
	ReasonInsufficientResources RejectionReason = "insufficient-resources"
	ReasonTaintNotTolerated     RejectionReason = "taint-not-tolerated"
	ReasonAffinityNotMet        RejectionReason = "affinity-not-met"
	ReasonQuotaExceeded         RejectionReason = "quota-exceeded"
)

// reasonPrecedence orders categories for the aggregate verdict when
// different nodes fail for different reasons.
var reasonPrecedence = []RejectionReason{
	ReasonInsufficientResources,
	ReasonTaintNotTolerated,
	ReasonAffinityNotMet,
	ReasonNoCompatibleNodes,
	ReasonQuotaExceeded,
}

// filterNode decides whether a node may host the pod at all. Returns
// the rejection category on refusal.
func filterNode(pod *types.Pod, pack *types.Pack, node *types.Node) (bool, RejectionReason) {
	if !node.Schedulable() {
		return false, ReasonNoNodes
	}
	if !pack.Runtime.Compatible(node.Runtime) {
		return false, ReasonNoCompatibleNodes
	}
	if !runtimeVersionSatisfied(pack, node) {
		return false, ReasonNoCompatibleNodes
	}
	if !types.SelectorMatches(pod.NodeSelector, node.Labels) {
		return false, ReasonAffinityNotMet
	}
	if types.UntoleratedTaint(node.Taints, pod.Tolerations, types.TaintNoSchedule, types.TaintNoExecute) != nil {
		return false, ReasonTaintNotTolerated
	}
	if !node.Remaining().Fits(pod.EffectiveRequest()) {
		return false, ReasonInsufficientResources
	}
	if !ownershipAllowed(pack, node) {
		return false, ReasonQuotaExceeded
	}
	return true, ""
}

// runtimeVersionSatisfied checks the pack's declared minimum runtime
// version against the node's announced capability version. Packs with
// no declaration run anywhere; an unparseable node version fails closed.
func runtimeVersionSatisfied(pack *types.Pack, node *types.Node) bool {
	constraintStr := pack.MinRuntimeVersion()
	if constraintStr == "" {
		return true
	}
	constraint, err := semver.NewConstraint(constraintStr)
	if err != nil {
		// Rejected at pack registration; treat a slipped-through bad
		// constraint as unsatisfiable.
		return false
	}
	version, err := semver.NewVersion(node.Capabilities.Version)
	if err != nil {
		return false
	}
	return constraint.Check(version)
}

// ownershipAllowed enforces the access policy: public packs run on any
// node, private packs only on nodes of the same owner or admin nodes.
func ownershipAllowed(pack *types.Pack, node *types.Node) bool {
	if pack.Visibility == types.PackPublic {
		return true
	}
	if node.Labels[LabelAdminNode] == "true" {
		return true
	}
	return pack.OwnerID == "" || pack.OwnerID == node.OwnerID
}

// Feasible partitions the node set for a pod into acceptable candidates
// and a tally of rejection categories.
func Feasible(pod *types.Pod, pack *types.Pack, nodes []*types.Node) ([]*types.Node, map[RejectionReason]int) {
	var candidates []*types.Node
	rejections := make(map[RejectionReason]int)
	for _, node := range nodes {
		ok, reason := filterNode(pod, pack, node)
		if ok {
			candidates = append(candidates, node)
		} else {
			rejections[reason]++
		}
	}
	return candidates, rejections
}

// aggregateReason collapses a rejection tally into the single category
// reported on the unschedulable event.
func aggregateReason(total int, rejections map[RejectionReason]int) RejectionReason {
	if total == 0 {
		return ReasonNoNodes
	}
	best := ReasonNoNodes
	bestCount := 0
	for _, reason := range reasonPrecedence {
		if rejections[reason] > bestCount {
			best = reason
			bestCount = rejections[reason]
		}
	}
	return best
}
