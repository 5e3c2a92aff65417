package hwver

import (
	"encoding/json"
	"testing"
)

func TestFromString(t *testing.T) {
	for _, te := range []struct {
		in   string
		want Version
		ok   bool
	}{
		{"4.4.58", Version{4, 4, 58}, true},
		{"3.0.0", Version{3, 0, 0}, true},
		{"6.2.0", Version{6, 2, 0}, true},
		{"4.4", Version{}, false},
		{"4.4.58.1", Version{}, false},
		{"v4.4.58", Version{}, false},
		{"4.4.300", Version{}, false},
		{"", Version{}, false},
	} {
		got, err := FromString(te.in)
		if te.ok != (err == nil) {
			t.Errorf("%q: error %v, wanted ok=%v", te.in, err, te.ok)
			continue
		}
		if err == nil && got != te.want {
			t.Errorf("%q: got %v, wanted %v", te.in, got, te.want)
		}
	}
}

func TestDisplayName(t *testing.T) {
	for _, te := range []struct {
		in   Version
		want string
	}{
		{Version{3, 6, 0}, "Axon v3.6"},
		{Version{4, 4, 58}, "Axon Pro"},
		{Version{5, 2, 0}, "Axon One"},
		{Version{6, 1, 0}, "Axon Micro X3"},
		{Version{9, 0, 0}, "unknown device"},
	} {
		if got := te.in.DisplayName(); got != te.want {
			t.Errorf("%v: got %q, wanted %q", te.in, got, te.want)
		}
	}
}

func TestJSONTriplet(t *testing.T) {
	v := Version{4, 4, 58}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != "[4,4,58]" {
		t.Errorf("Marshal = %s, wanted [4,4,58]", data)
	}
	var back Version
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back != v {
		t.Errorf("got %v, wanted %v", back, v)
	}
	if err := json.Unmarshal([]byte("[4,4]"), &back); err == nil {
		t.Errorf("accepted a 2-element triplet")
	}
}

func TestRoundtrip(t *testing.T) {
	v := Version{5, 2, 0}
	got, err := FromString(v.String())
	if err != nil {
		t.Fatalf("FromString(%q): %v", v.String(), err)
	}
	if got != v {
		t.Errorf("got %v, wanted %v", got, v)
	}
}
