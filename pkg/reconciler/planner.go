package reconciler

import (
	"sort"

	"github.com/iotistic/supervisor/pkg/model"
)

// Planner computes a deterministic Plan from a TargetState/CurrentState
// pair. It holds no state of its own — the same inputs always produce the
// same Plan, the property spec.md calls out as testable.
type Planner struct{}

// NewPlanner creates a Planner.
func NewPlanner() *Planner { return &Planner{} }

type appDiff struct {
	appID          int64
	appName        string
	toAdd          []model.ServiceSpec
	toRemove       []model.CurrentServiceState
	toReplaceOld   []model.CurrentServiceState
	toReplaceNew   []model.ServiceSpec
	networksToAdd  []string
	networksToDrop []string
}

// Plan diffs target against current and returns the ordered, three-phase
// Plan required to converge current toward target.
func (p *Planner) Plan(target model.TargetState, current model.CurrentState) Plan {
	appIDs := unionAppIDs(target, current)

	diffs := make([]appDiff, 0, len(appIDs))
	for _, appID := range appIDs {
		diffs = append(diffs, diffApp(appID, target, current))
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].appID < diffs[j].appID })

	var plan Plan
	plan = append(plan, phaseA(diffs)...)
	plan = append(plan, phaseB(diffs)...)
	plan = append(plan, phaseC(diffs)...)
	return plan
}

func unionAppIDs(target model.TargetState, current model.CurrentState) []int64 {
	seen := make(map[int64]struct{})
	for id := range target.Apps {
		seen[id] = struct{}{}
	}
	for id := range current.Apps {
		seen[id] = struct{}{}
	}
	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func diffApp(appID int64, target model.TargetState, current model.CurrentState) appDiff {
	targetApp, hasTarget := target.Apps[appID]
	currentApp, hasCurrent := current.Apps[appID]

	targetByID := make(map[int64]model.ServiceSpec)
	if hasTarget {
		for _, s := range targetApp.Services {
			targetByID[s.ServiceID] = s
		}
	}
	currentByID := make(map[int64]model.CurrentServiceState)
	if hasCurrent {
		for _, s := range currentApp.Services {
			currentByID[s.ServiceID] = s
		}
	}

	d := appDiff{appID: appID}
	switch {
	case hasTarget:
		d.appName = targetApp.AppName
	case hasCurrent:
		d.appName = currentApp.AppName
	}

	for id, spec := range targetByID {
		cs, exists := currentByID[id]
		switch {
		case !exists:
			d.toAdd = append(d.toAdd, spec)
		case SpecHash(spec) != cs.SpecHash:
			d.toReplaceOld = append(d.toReplaceOld, cs)
			d.toReplaceNew = append(d.toReplaceNew, spec)
		}
	}
	for id, cs := range currentByID {
		if _, exists := targetByID[id]; !exists {
			d.toRemove = append(d.toRemove, cs)
		}
	}

	sort.Slice(d.toAdd, func(i, j int) bool { return d.toAdd[i].ServiceID < d.toAdd[j].ServiceID })
	sort.Slice(d.toRemove, func(i, j int) bool { return d.toRemove[i].ServiceID < d.toRemove[j].ServiceID })
	sortReplacePairs(d.toReplaceOld, d.toReplaceNew)

	targetNets := networksReferencedByTarget(targetByID)
	currentNets := networksReferencedByCurrent(currentByID)
	d.networksToAdd = setDiff(targetNets, currentNets)
	d.networksToDrop = setDiff(currentNets, targetNets)

	return d
}

// sortReplacePairs sorts the two parallel replacement slices together by
// service_id, keeping old[i]/new[i] correspondence intact.
func sortReplacePairs(old []model.CurrentServiceState, new []model.ServiceSpec) {
	idx := make([]int, len(old))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return old[idx[i]].ServiceID < old[idx[j]].ServiceID })

	sortedOld := make([]model.CurrentServiceState, len(old))
	sortedNew := make([]model.ServiceSpec, len(new))
	for i, j := range idx {
		sortedOld[i] = old[j]
		sortedNew[i] = new[j]
	}
	copy(old, sortedOld)
	copy(new, sortedNew)
}

func networksReferencedByTarget(byID map[int64]model.ServiceSpec) []string {
	set := make(map[string]struct{})
	for _, s := range byID {
		for _, n := range s.Networks {
			set[n] = struct{}{}
		}
	}
	return sortedSet(set)
}

func networksReferencedByCurrent(byID map[int64]model.CurrentServiceState) []string {
	set := make(map[string]struct{})
	for _, s := range byID {
		for _, n := range s.Networks {
			set[n] = struct{}{}
		}
	}
	return sortedSet(set)
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func setDiff(a, b []string) []string {
	bSet := make(map[string]struct{}, len(b))
	for _, x := range b {
		bSet[x] = struct{}{}
	}
	var out []string
	for _, x := range a {
		if _, in := bSet[x]; !in {
			out = append(out, x)
		}
	}
	return out
}

// phaseA emits DownloadImage (deduped by image_ref) then CreateNetwork steps.
func phaseA(diffs []appDiff) Plan {
	var plan Plan

	type imageKey struct {
		appID    int64
		imageRef string
	}
	seen := make(map[imageKey]struct{})
	var images []imageKey
	for _, d := range diffs {
		for _, s := range d.toAdd {
			k := imageKey{d.appID, s.ImageRef}
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				images = append(images, k)
			}
		}
		for _, s := range d.toReplaceNew {
			k := imageKey{d.appID, s.ImageRef}
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				images = append(images, k)
			}
		}
	}
	sort.Slice(images, func(i, j int) bool {
		if images[i].appID != images[j].appID {
			return images[i].appID < images[j].appID
		}
		return images[i].imageRef < images[j].imageRef
	})
	for _, k := range images {
		plan = append(plan, DownloadImageStep{AppID: k.appID, ImageRef: k.imageRef})
	}

	for _, d := range diffs {
		nets := append([]string{}, d.networksToAdd...)
		sort.Strings(nets)
		for _, n := range nets {
			plan = append(plan, CreateNetworkStep{AppID: d.appID, AppName: d.appName, NetworkName: n})
		}
	}

	return plan
}

// phaseB emits Stop+Remove for services_to_remove and the old half of
// services_to_replace, then Start for services_to_add and the new half of
// services_to_replace.
func phaseB(diffs []appDiff) Plan {
	var plan Plan

	for _, d := range diffs {
		toTearDown := append(append([]model.CurrentServiceState{}, d.toRemove...), d.toReplaceOld...)
		sort.Slice(toTearDown, func(i, j int) bool { return toTearDown[i].ServiceID < toTearDown[j].ServiceID })
		for _, cs := range toTearDown {
			plan = append(plan, StopContainerStep{AppID: d.appID, ServiceID: cs.ServiceID, ContainerID: cs.ContainerID})
			plan = append(plan, RemoveContainerStep{AppID: d.appID, ServiceID: cs.ServiceID, ContainerID: cs.ContainerID})
		}
	}

	for _, d := range diffs {
		toStart := append(append([]model.ServiceSpec{}, d.toAdd...), d.toReplaceNew...)
		sort.Slice(toStart, func(i, j int) bool { return toStart[i].ServiceID < toStart[j].ServiceID })
		for _, spec := range toStart {
			plan = append(plan, StartContainerStep{AppID: d.appID, AppName: d.appName, Spec: spec})
		}
	}

	return plan
}

// phaseC emits RemoveNetwork for networks no longer referenced by target.
func phaseC(diffs []appDiff) Plan {
	var plan Plan
	for _, d := range diffs {
		nets := append([]string{}, d.networksToDrop...)
		sort.Strings(nets)
		for _, n := range nets {
			plan = append(plan, RemoveNetworkStep{AppID: d.appID, AppName: d.appName, NetworkName: n})
		}
	}
	return plan
}
