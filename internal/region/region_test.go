package region

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want Location
	}{
		{"us-east", USEast},
		{"EU-Central", EUCentral},
		{"asia-pacific", AsiaPacific},
		{"global", Global},
		{"", Global},
		{"mars-north", Global},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in, nil); got != tc.want {
			t.Errorf("Normalize(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestRoutePinnedRegion(t *testing.T) {
	r := NewRouter(nil, nil)
	got := r.Route(KindPlaywright, "eu-central")
	if got[0] != "playwright-exec-eu-central" {
		t.Fatalf("pinned region must route first, got %v", got)
	}
	if len(got) != 3 {
		t.Fatalf("expected failover candidates for all regions, got %v", got)
	}
}

func TestRouteGlobalPicksLowestLoad(t *testing.T) {
	depths := map[string]int{
		"k6-exec-us-east":      7,
		"k6-exec-eu-central":   1,
		"k6-exec-asia-pacific": 3,
	}
	r := NewRouter(func(q string) int { return depths[q] }, nil)

	got := r.Route(KindK6, "global")
	want := []string{"k6-exec-eu-central", "k6-exec-asia-pacific", "k6-exec-us-east"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Route(global) = %v, want %v", got, want)
	}
}

func TestRouteGlobalTiesKeepDeclarationOrder(t *testing.T) {
	r := NewRouter(func(string) int { return 0 }, nil)
	got := r.Route(KindMonitor, "global")
	want := []string{"monitor-exec-us-east", "monitor-exec-eu-central", "monitor-exec-asia-pacific"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Route(global ties) = %v, want %v", got, want)
	}
}

func TestWorkerQueuesFiltering(t *testing.T) {
	pinned := WorkerQueues(USEast, true)
	want := []string{"playwright-exec-us-east", "k6-exec-us-east", "monitor-exec-us-east"}
	if !reflect.DeepEqual(pinned, want) {
		t.Fatalf("filtered worker queues = %v, want %v", pinned, want)
	}

	all := WorkerQueues(USEast, false)
	if len(all) != 9 {
		t.Fatalf("unfiltered worker should see all 9 exec queues, got %d", len(all))
	}
}

func TestKindForQueue(t *testing.T) {
	if kind, ok := KindForQueue("k6-exec-us-east"); !ok || kind != KindK6 {
		t.Fatalf("expected k6 kind, got %v %v", kind, ok)
	}
	if _, ok := KindForQueue("template-render"); ok {
		t.Fatal("template-render is not an exec queue")
	}
}
