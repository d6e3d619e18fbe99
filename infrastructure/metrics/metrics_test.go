package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestObserveRPCCountsStatus(t *testing.T) {
	m := New()
	m.ObserveRPC("1", "eth_getBalance", "ws", 10*time.Millisecond, nil)
	m.ObserveRPC("1", "eth_getBalance", "ws", 10*time.Millisecond, errors.New("refused"))

	out, err := m.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out, `evm_rpc_requests_total{chain="1",method="eth_getBalance",status="ok",transport="ws"} 1`) {
		t.Errorf("ok counter missing:\n%s", out)
	}
	if !strings.Contains(out, `status="error"`) {
		t.Errorf("error counter missing:\n%s", out)
	}
}

func TestPrivateRegistriesAreIndependent(t *testing.T) {
	a := New()
	b := New()
	a.CacheHitsTotal.WithLabelValues("1", "get_balance").Inc()

	out, err := b.Export()
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if strings.Contains(out, `evm_cache_hits_total{chain="1"`) {
		t.Error("second registry must not see first registry's series")
	}
}

func TestSnapshotIncludesUptime(t *testing.T) {
	m := New()
	families, err := m.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "evm_engine_uptime_seconds" {
			found = true
		}
	}
	if !found {
		t.Error("uptime family missing from snapshot")
	}
}
