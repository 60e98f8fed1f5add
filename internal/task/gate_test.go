package task

import "testing"

func TestClassify(t *testing.T) {
	registry := newTestRegistry(nil)

	cases := []struct {
		name      string
		refs      []string
		requested bool
		want      bool
	}{
		{name: "ungated action", refs: []string{"notify_team"}, want: false},
		{name: "explicit request", refs: []string{"notify_team"}, requested: true, want: true},
		{name: "gated action", refs: []string{"wire_transfer"}, want: true},
		{name: "mixed actions", refs: []string{"notify_team", "wire_transfer"}, want: true},
		{name: "unknown action goes to a human", refs: []string{"launch_missiles"}, want: true},
		{name: "unknown among known", refs: []string{"notify_team", "launch_missiles"}, want: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(registry, tc.refs, tc.requested); got != tc.want {
				t.Fatalf("Classify(%v, requested=%v) = %v, want %v", tc.refs, tc.requested, got, tc.want)
			}
		})
	}
}
