package calibration

import (
	"encoding/json"
	"math"
	"testing"
)

func TestSortTasks(t *testing.T) {
	in := []SensorTask{
		{ChannelID: "COM7", Position: 5},
		{ChannelID: "COM3", Position: 1},
		{ChannelID: "COM9", Position: 5},
		{ChannelID: "COM4", Position: 2},
	}

	got := SortTasks(in)

	want := []string{"COM3", "COM4", "COM7", "COM9"}
	if len(got) != len(want) {
		t.Fatalf("expected %d tasks, got %d", len(want), len(got))
	}
	for i, ch := range want {
		if got[i].ChannelID != ch {
			t.Fatalf("task %d: expected %s, got %s", i, ch, got[i].ChannelID)
		}
	}

	// The input must not be reordered.
	if in[0].ChannelID != "COM7" {
		t.Fatalf("input slice was modified: %+v", in)
	}
}

func TestChannelAveragesJSON(t *testing.T) {
	in := ChannelAverages{Primary: 36.5, Ambient: math.NaN(), Secondary: math.Inf(1)}

	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"primary":36.5,"ambient":null,"secondary":null}` {
		t.Fatalf("unexpected encoding: %s", b)
	}

	var out ChannelAverages
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Primary != 36.5 || !math.IsNaN(out.Ambient) || !math.IsNaN(out.Secondary) {
		t.Fatalf("unexpected decoding: %+v", out)
	}
}
