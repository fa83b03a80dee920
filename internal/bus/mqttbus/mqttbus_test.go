package mqttbus

import (
	"testing"

	"github.com/tickit-go/tickit/internal/types"
)

func TestEncodeDecodeRoundTripsEveryMessageKind(t *testing.T) {
	callAt := types.SimTime(500)

	t.Run("Input", func(t *testing.T) {
		original := types.Input{Target: "dev", Time: 0, Changes: types.Changes{"x": float64(1)}}
		decoded := roundTrip(t, original).(types.Input)
		if decoded.Target != original.Target || decoded.Time != original.Time || decoded.Changes["x"] != float64(1) {
			t.Errorf("got %+v, want %+v", decoded, original)
		}
	})

	t.Run("Output", func(t *testing.T) {
		original := types.Output{Source: "dev", Time: 0, Changes: types.Changes{"y": float64(2)}, CallAt: &callAt}
		decoded := roundTrip(t, original).(types.Output)
		if decoded.Source != original.Source || decoded.Changes["y"] != float64(2) {
			t.Errorf("got %+v, want %+v", decoded, original)
		}
		if decoded.CallAt == nil || *decoded.CallAt != callAt {
			t.Errorf("CallAt = %v, want %v", decoded.CallAt, callAt)
		}
	})

	t.Run("Interrupt", func(t *testing.T) {
		original := types.Interrupt{Source: "dev"}
		decoded := roundTrip(t, original).(types.Interrupt)
		if decoded != original {
			t.Errorf("got %+v, want %+v", decoded, original)
		}
	})

	t.Run("ComponentException", func(t *testing.T) {
		original := types.ComponentException{Source: "dev", Kind: "device_failure", Detail: "boom"}
		decoded := roundTrip(t, original).(types.ComponentException)
		if decoded != original {
			t.Errorf("got %+v, want %+v", decoded, original)
		}
	})

	t.Run("StopComponent", func(t *testing.T) {
		decoded := roundTrip(t, types.StopComponent{}).(types.StopComponent)
		if decoded != (types.StopComponent{}) {
			t.Errorf("got %+v, want zero value", decoded)
		}
	})
}

func roundTrip(t *testing.T, original types.Message) types.Message {
	t.Helper()
	env, err := encode(original)
	if err != nil {
		t.Fatalf("encode(%T): %v", original, err)
	}
	decoded, err := decode(env)
	if err != nil {
		t.Fatalf("decode(%T): %v", original, err)
	}
	return decoded
}

func TestDecodeUnknownKindFails(t *testing.T) {
	if _, err := decode(envelope{Kind: "bogus"}); err == nil {
		t.Fatal("expected error for unknown envelope kind")
	}
}
