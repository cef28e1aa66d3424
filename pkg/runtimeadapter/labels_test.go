package runtimeadapter

import "testing"

func TestContainerName(t *testing.T) {
	got := ContainerName("web", "nginx", 42)
	want := "web_nginx_42"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNetworkName(t *testing.T) {
	got := NetworkName("web", "default")
	want := "web_default"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestServiceLabels(t *testing.T) {
	labels := ServiceLabels(1, "web", 42, "nginx")

	want := map[string]string{
		LabelManaged:     "true",
		LabelAppID:       "1",
		LabelAppName:     "web",
		LabelServiceID:   "42",
		LabelServiceName: "nginx",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Errorf("label %s = %q, want %q", k, labels[k], v)
		}
	}
}
