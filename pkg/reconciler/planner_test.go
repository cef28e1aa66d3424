package reconciler

import (
	"testing"

	"github.com/iotistic/supervisor/pkg/model"
)

func nginxSpec() model.ServiceSpec {
	return model.ServiceSpec{
		ServiceID:   1,
		ServiceName: "nginx",
		ImageRef:    "nginx:1.27",
		Ports:       []string{"8080:80"},
		Networks:    []string{"default"},
	}
}

func TestPlanFreshDeployEmitsThreePhaseOrder(t *testing.T) {
	p := NewPlanner()
	target := model.TargetState{Apps: map[int64]model.AppSpec{
		1: {AppID: 1, AppName: "web", Services: []model.ServiceSpec{nginxSpec()}},
	}}
	current := model.CurrentState{Apps: map[int64]model.CurrentApp{}}

	plan := p.Plan(target, current)

	if len(plan) != 3 {
		t.Fatalf("got %d steps, want 3 (download, create-network, start), got: %v", len(plan), plan)
	}
	if _, ok := plan[0].(DownloadImageStep); !ok {
		t.Errorf("step 0 = %T, want DownloadImageStep", plan[0])
	}
	if _, ok := plan[1].(CreateNetworkStep); !ok {
		t.Errorf("step 1 = %T, want CreateNetworkStep", plan[1])
	}
	if _, ok := plan[2].(StartContainerStep); !ok {
		t.Errorf("step 2 = %T, want StartContainerStep", plan[2])
	}
}

func TestPlanConvergedStateIsEmpty(t *testing.T) {
	p := NewPlanner()
	spec := nginxSpec()
	target := model.TargetState{Apps: map[int64]model.AppSpec{
		1: {AppID: 1, AppName: "web", Services: []model.ServiceSpec{spec}},
	}}
	current := model.CurrentState{Apps: map[int64]model.CurrentApp{
		1: {AppID: 1, Services: []model.CurrentServiceState{
			{ServiceID: 1, ServiceName: "nginx", ImageRef: spec.ImageRef, ContainerID: "c1",
				Status: model.ServiceRunning, Networks: spec.Networks, SpecHash: SpecHash(spec)},
		}},
	}}

	plan := p.Plan(target, current)
	if !plan.IsEmpty() {
		t.Fatalf("expected empty plan for converged state, got %v", plan)
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	p := NewPlanner()
	target := model.TargetState{Apps: map[int64]model.AppSpec{
		2: {AppID: 2, AppName: "web", Services: []model.ServiceSpec{
			{ServiceID: 2, ServiceName: "api", ImageRef: "api:v2", Networks: []string{"default"}},
			{ServiceID: 1, ServiceName: "db", ImageRef: "postgres:16", Networks: []string{"default"}},
		}},
	}}
	current := model.CurrentState{Apps: map[int64]model.CurrentApp{}}

	plan1 := p.Plan(target, current)
	plan2 := p.Plan(target, current)

	if len(plan1) != len(plan2) {
		t.Fatalf("got different plan lengths across runs: %d vs %d", len(plan1), len(plan2))
	}
	for i := range plan1 {
		if plan1[i].String() != plan2[i].String() {
			t.Errorf("step %d differs across runs: %q vs %q", i, plan1[i].String(), plan2[i].String())
		}
	}

	// service_id=1 must be ordered before service_id=2 within phase B despite
	// being declared second in the target.
	var startOrder []int64
	for _, s := range plan1 {
		if step, ok := s.(StartContainerStep); ok {
			startOrder = append(startOrder, step.Spec.ServiceID)
		}
	}
	if len(startOrder) != 2 || startOrder[0] != 1 || startOrder[1] != 2 {
		t.Errorf("expected start order [1, 2], got %v", startOrder)
	}
}

func TestPlanReplacementTearsDownBeforeStarting(t *testing.T) {
	p := NewPlanner()
	oldSpec := nginxSpec()
	newSpec := oldSpec
	newSpec.ImageRef = "nginx:1.28"

	target := model.TargetState{Apps: map[int64]model.AppSpec{
		1: {AppID: 1, AppName: "web", Services: []model.ServiceSpec{newSpec}},
	}}
	current := model.CurrentState{Apps: map[int64]model.CurrentApp{
		1: {AppID: 1, Services: []model.CurrentServiceState{
			{ServiceID: 1, ServiceName: "nginx", ImageRef: oldSpec.ImageRef, ContainerID: "c1",
				Status: model.ServiceRunning, Networks: oldSpec.Networks, SpecHash: SpecHash(oldSpec)},
		}},
	}}

	plan := p.Plan(target, current)

	var kinds []string
	for _, s := range plan {
		kinds = append(kinds, s.Kind())
	}
	// image already referenced by a running container, but must still be
	// (re-)pulled because it's the replacement image; network is unchanged
	// so no create/remove network steps are expected.
	want := []string{"download_image", "stop_container", "remove_container", "start_container"}
	if len(kinds) != len(want) {
		t.Fatalf("got kinds %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("step %d kind = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestPlanMetadataOnlyChangeDoesNotReplace(t *testing.T) {
	p := NewPlanner()
	spec := nginxSpec()

	target := model.TargetState{Apps: map[int64]model.AppSpec{
		1: {AppID: 1, AppName: "web", Services: []model.ServiceSpec{spec}},
	}}
	current := model.CurrentState{Apps: map[int64]model.CurrentApp{
		1: {AppID: 1, Services: []model.CurrentServiceState{
			// service_name differs ("nginx-old" vs "nginx") but spec-hash
			// (computed only over replacement-triggering fields) matches.
			{ServiceID: 1, ServiceName: "nginx-old", ImageRef: spec.ImageRef, ContainerID: "c1",
				Status: model.ServiceRunning, Networks: spec.Networks, SpecHash: SpecHash(spec)},
		}},
	}}

	plan := p.Plan(target, current)
	if !plan.IsEmpty() {
		t.Fatalf("expected no replacement for metadata-only change, got %v", plan)
	}
}

func TestPlanGarbageCollectsRemovedService(t *testing.T) {
	p := NewPlanner()
	target := model.TargetState{Apps: map[int64]model.AppSpec{}}
	current := model.CurrentState{Apps: map[int64]model.CurrentApp{
		1: {AppID: 1, Services: []model.CurrentServiceState{
			{ServiceID: 1, ServiceName: "nginx", ContainerID: "c1", Status: model.ServiceRunning, Networks: []string{"default"}},
		}},
	}}

	plan := p.Plan(target, current)

	var kinds []string
	for _, s := range plan {
		kinds = append(kinds, s.Kind())
	}
	want := []string{"stop_container", "remove_container", "remove_network"}
	if len(kinds) != len(want) {
		t.Fatalf("got kinds %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("step %d kind = %q, want %q", i, kinds[i], want[i])
		}
	}
}
