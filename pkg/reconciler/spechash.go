package reconciler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/iotistic/supervisor/pkg/model"
)

// replacementFields is the canonical, order-stable projection of a
// ServiceSpec used for spec-hash: exactly the fields whose change requires
// container replacement. Map-typed fields are flattened into sorted
// key=value pairs so encoding/json's struct field order (not Go's
// randomized map iteration) determines the hash input.
type replacementFields struct {
	ImageRef      string   `json:"image_ref"`
	Ports         []string `json:"ports"`
	Environment   []string `json:"environment"`
	Volumes       []string `json:"volumes"`
	Networks      []string `json:"networks"`
	RestartPolicy string   `json:"restart_policy"`
	Labels        []string `json:"labels"`
	NetworkMode   string   `json:"network_mode"`
}

// SpecHash returns a deterministic digest over the fields of spec that
// require container replacement when changed (image_ref, environment,
// ports, volumes, networks, restart_policy, labels, network_mode).
// Metadata-only changes, such as service_name, never affect the hash.
func SpecHash(spec model.ServiceSpec) string {
	fields := replacementFields{
		ImageRef:      spec.ImageRef,
		Ports:         sortedCopy(spec.Ports),
		Environment:   sortedMapPairs(spec.Environment),
		Volumes:       sortedCopy(spec.Volumes),
		Networks:      sortedCopy(spec.Networks),
		RestartPolicy: spec.RestartPolicy,
		Labels:        sortedMapPairs(spec.Labels),
		NetworkMode:   spec.NetworkMode,
	}

	// json.Marshal error is impossible here: every field is a string or
	// []string with no cycles.
	data, _ := json.Marshal(fields)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedCopy(s []string) []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, len(s))
	copy(out, s)
	sort.Strings(out)
	return out
}

func sortedMapPairs(m map[string]string) []string {
	if len(m) == 0 {
		return []string{}
	}
	pairs := make([]string, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(pairs)
	return pairs
}
