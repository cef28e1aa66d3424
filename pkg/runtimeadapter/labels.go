package runtimeadapter

import "fmt"

// Label keys the reconciler stamps on every container and network it
// manages, so ListContainers/ListNetworks can recover ownership without a
// side index.
const (
	LabelManaged     = "iotistic.managed"
	LabelAppID       = "iotistic.app-id"
	LabelAppName     = "iotistic.app-name"
	LabelServiceID   = "iotistic.service-id"
	LabelServiceName = "iotistic.service-name"
)

// ContainerName returns the deterministic name the reconciler assigns to a
// service's container: {app_name}_{service_name}_{service_id}.
func ContainerName(appName, serviceName string, serviceID int64) string {
	return fmt.Sprintf("%s_%s_%d", appName, serviceName, serviceID)
}

// NetworkName returns the deterministic name the reconciler assigns to an
// app-scoped network: {app_name}_{network_name}.
func NetworkName(appName, networkName string) string {
	return fmt.Sprintf("%s_%s", appName, networkName)
}

// ServiceLabels returns the label set the reconciler stamps on a service's
// container and, where applicable, its networks.
func ServiceLabels(appID int64, appName string, serviceID int64, serviceName string) map[string]string {
	return map[string]string{
		LabelManaged:     "true",
		LabelAppID:       fmt.Sprintf("%d", appID),
		LabelAppName:     appName,
		LabelServiceID:   fmt.Sprintf("%d", serviceID),
		LabelServiceName: serviceName,
	}
}
