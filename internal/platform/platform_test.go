package platform

import "testing"

func TestDetectTopologyNeverZeroPerformance(t *testing.T) {
	topo := DetectTopology()
	if topo.Performance < 1 {
		t.Fatalf("expected at least one performance core, got %+v", topo)
	}
}

func TestSteerPortableFallback(t *testing.T) {
	topo := Topology{Performance: 4, Efficiency: 0, Heterogeneous: false}
	if got := topo.Steer(true); got != ClassPerformance {
		t.Fatalf("non-heterogeneous topology must steer everything to performance, got %v", got)
	}
	if got := topo.Steer(false); got != ClassPerformance {
		t.Fatalf("non-heterogeneous topology must steer everything to performance, got %v", got)
	}
}

func TestSteerHeterogeneous(t *testing.T) {
	topo := Topology{Performance: 4, Efficiency: 2, Heterogeneous: true}
	if got := topo.Steer(true); got != ClassEfficiency {
		t.Fatalf("background job should steer to efficiency, got %v", got)
	}
	if got := topo.Steer(false); got != ClassPerformance {
		t.Fatalf("non-background job should steer to performance, got %v", got)
	}
}

func TestMemoryBarrierDoesNotPanic(t *testing.T) {
	MemoryBarrier()
	FlushCodeRegion([]byte("code"))
}
