// internal/metrics/metrics_test.go
package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterAndSetState(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	Register(reg) // повторный вызов ничего не делает

	SetState("connecting")
	if v := testutil.ToFloat64(ConnectionState.WithLabelValues("connecting")); v != 1 {
		t.Errorf("connecting = %v", v)
	}
	SetState("connected")
	if v := testutil.ToFloat64(ConnectionState.WithLabelValues("connecting")); v != 0 {
		t.Errorf("connecting after switch = %v", v)
	}
	if v := testutil.ToFloat64(ConnectionState.WithLabelValues("connected")); v != 1 {
		t.Errorf("connected = %v", v)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "livebid_connection_state" {
			found = true
		}
	}
	if !found {
		t.Error("livebid_connection_state not registered")
	}
}
