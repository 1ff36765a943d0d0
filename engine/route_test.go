package engine

import (
	"context"
	"errors"
	"testing"
)

func noop() Transform {
	return Transform{Fn: func(_ context.Context, body string) (string, error) {
		return body, nil
	}}
}

func TestRouteValidate(t *testing.T) {
	tests := []struct {
		name  string
		route Route
		valid bool
	}{
		{
			name:  "valid route",
			route: Route{ID: "r1", Steps: []Step{{Name: "a", Action: noop()}, {Name: "b", Action: AuditLog{}}}},
			valid: true,
		},
		{
			name:  "empty id",
			route: Route{Steps: []Step{{Name: "a", Action: noop()}}},
		},
		{
			name:  "no steps",
			route: Route{ID: "r1"},
		},
		{
			name:  "empty step name",
			route: Route{ID: "r1", Steps: []Step{{Action: noop()}}},
		},
		{
			name:  "nil action",
			route: Route{ID: "r1", Steps: []Step{{Name: "a"}}},
		},
		{
			name:  "duplicate step names",
			route: Route{ID: "r1", Steps: []Step{{Name: "a", Action: noop()}, {Name: "a", Action: noop()}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.route.Validate()
			if tt.valid && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
			if !tt.valid {
				var engErr *EngineError
				if !errors.As(err, &engErr) || engErr.Code != "INVALID_ROUTE" {
					t.Errorf("Validate() error = %v, want INVALID_ROUTE", err)
				}
			}
		})
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	r := &Route{ID: "r1", Steps: []Step{{Name: "a", Action: noop()}}}
	if err := reg.Register(r); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := reg.Register(&Route{ID: "r1", Steps: []Step{{Name: "b", Action: noop()}}})
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "DUPLICATE_ROUTE" {
		t.Fatalf("duplicate Register() error = %v, want DUPLICATE_ROUTE", err)
	}

	if _, ok := reg.Get("r1"); !ok {
		t.Error("registered route not found")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("unknown route found")
	}
}

func TestRegistryIDsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(&Route{ID: id, Steps: []Step{{Name: "a", Action: noop()}}}); err != nil {
			t.Fatalf("Register(%s) error = %v", id, err)
		}
	}
	ids := reg.IDs()
	want := []string{"alpha", "mid", "zeta"}
	if len(ids) != len(want) {
		t.Fatalf("IDs() = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs()[%d] = %s, want %s", i, ids[i], want[i])
		}
	}
}
