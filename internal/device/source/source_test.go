package source

import (
	"testing"

	"github.com/tickit-go/tickit/internal/types"
)

func TestConstDeviceNeverRequestsWakeup(t *testing.T) {
	d := Const(42)
	update := d.Update(0, nil)
	if update.Outputs["value"] != 42 {
		t.Errorf("value = %v, want 42", update.Outputs["value"])
	}
	if update.CallAt != nil {
		t.Errorf("CallAt = %v, want nil", update.CallAt)
	}
}

func TestPeriodicDeviceCyclesAndRequestsWakeup(t *testing.T) {
	d := Periodic(1000, func(_ types.SimTime, call int) any { return call % 3 })

	for i, wantValue := range []int{0, 1, 2} {
		time := types.SimTime(i * 1000)
		update := d.Update(time, nil)
		if update.Outputs["value"] != wantValue {
			t.Errorf("tick %d: value = %v, want %d", i, update.Outputs["value"], wantValue)
		}
		if update.CallAt == nil || *update.CallAt != time+1000 {
			t.Errorf("tick %d: CallAt = %v, want %d", i, update.CallAt, time+1000)
		}
	}
}
