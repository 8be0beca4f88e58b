package model

import (
	"math"
	"testing"
)

func TestCompletionPercentage(t *testing.T) {
	tests := []struct {
		name   string
		items  []Item
		want   float64
		wantOK bool
	}{
		{"no items is undefined", nil, 0, false},
		{"none done", []Item{{Name: "a"}, {Name: "b"}}, 0, true},
		{"two of five", []Item{{Completed: true}, {Completed: true}, {}, {}, {}}, 40, true},
		{"all done", []Item{{Completed: true}}, 100, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Task{Items: tt.items}.CompletionPercentage()
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if math.IsNaN(got) {
				t.Fatal("percentage must never be NaN")
			}
			if got != tt.want {
				t.Fatalf("pct = %v, want %v", got, tt.want)
			}
		})
	}
}
