// Package seed provisions a sample TargetState for local development and
// testing, the supervisor's analog of the teacher's tenant/user/service
// demo fixtures (internal/seed/seed.go, demo.go) minus the multi-tenant
// provisioning those required. Grounded on spec.md §8's nginx end-to-end
// scenario: deploy one app running nginx:alpine with a published port.
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/iotistic/supervisor/internal/store"
	"github.com/iotistic/supervisor/pkg/model"
)

// nginxAppID and nginxServiceID match spec.md §8 scenario 2 exactly, so a
// seeded device behaves identically to the spec's worked example.
const (
	nginxAppID     = 1
	nginxServiceID = 1
)

// Run seeds a single-app TargetState running nginx:alpine with port 8080
// published, for exercising the reconciler end to end without a cloud
// connection. It is idempotent: seeding twice leaves the target unchanged
// beyond bumping Version, matching PutTargetState's full-replace semantics.
func Run(ctx context.Context, st *store.Store, logger *slog.Logger) error {
	existing, err := st.GetTargetState(ctx)
	version := int64(1)
	if err == nil {
		version = existing.Version + 1
	} else if err != store.ErrNotFound {
		return fmt.Errorf("loading existing target state: %w", err)
	}

	ts := &model.TargetState{
		Version: version,
		Apps: map[int64]model.AppSpec{
			nginxAppID: {
				AppID:   nginxAppID,
				AppName: "demo-web",
				Services: []model.ServiceSpec{
					{
						ServiceID:     nginxServiceID,
						ServiceName:   "web",
						ImageRef:      "nginx:alpine",
						Ports:         []string{"8080:80"},
						RestartPolicy: "unless-stopped",
					},
				},
			},
		},
	}

	if err := st.PutTargetState(ctx, ts); err != nil {
		return fmt.Errorf("seeding demo target state: %w", err)
	}
	logger.Info("seed: wrote demo target state", "app", "demo-web", "image", "nginx:alpine", "version", version)
	return nil
}
