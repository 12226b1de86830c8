package catalog

import "testing"

func TestPlansMatchAcceptedPlanNames(t *testing.T) {
	plans, err := Plans()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"free": false, "starter": false, "professional": false, "enterprise": false}
	for _, p := range plans {
		if _, ok := want[p.Name]; !ok {
			t.Fatalf("unexpected plan %q", p.Name)
		}
		want[p.Name] = true
		if p.DisplayName == "" || len(p.Quotas) == 0 {
			t.Fatalf("incomplete plan: %+v", p)
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("plan %q missing from catalog", name)
		}
	}
}
