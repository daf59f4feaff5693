package selection

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func names(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("img-%02d.png", i)
	}
	return out
}

func TestResolve_DefaultPolicy(t *testing.T) {
	tests := []struct {
		name      string
		known     []string
		selectAll bool
		want      []string
	}{
		{"ten known, select all off", names(10), false, names(10)[:4]},
		{"ten known, select all on", names(10), true, names(10)},
		{"fewer than four", names(2), false, names(2)},
		{"exactly four", names(4), false, names(4)},
		{"nothing uploaded", nil, true, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.known, Request{SelectAll: tt.selectAll})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_ExplicitKeepsUserOrder(t *testing.T) {
	known := []string{"a", "b", "c", "d"}

	got := Resolve(known, Request{Names: []string{"c", "a"}, SelectAll: true})

	assert.Equal(t, []string{"c", "a"}, got)
}

func TestResolve_DropsUnknownAndDuplicateNames(t *testing.T) {
	known := []string{"a", "b", "c"}

	got := Resolve(known, Request{Names: []string{"stale.png", "b", "b", "a", "gone"}})

	assert.Equal(t, []string{"b", "a"}, got)
}

func TestResolve_ExplicitEmptyIsEmpty(t *testing.T) {
	got := Resolve(names(5), Request{Names: []string{}, SelectAll: true})

	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestResolve_NeverReturnsUnknownNames(t *testing.T) {
	known := names(6)
	requests := []Request{
		{},
		{SelectAll: true},
		{Names: []string{"x", "y"}},
		{Names: append([]string{"zzz"}, known...)},
	}
	set := make(map[string]bool)
	for _, n := range known {
		set[n] = true
	}
	for _, req := range requests {
		for _, n := range Resolve(known, req) {
			assert.True(t, set[n], "unexpected name %q", n)
		}
	}
}

func TestResolve_DoesNotAliasKnown(t *testing.T) {
	known := names(3)
	got := Resolve(known, Request{SelectAll: true})
	got[0] = "mutated"

	assert.Equal(t, "img-00.png", known[0])
}
