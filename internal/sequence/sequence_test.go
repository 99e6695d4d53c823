package sequence

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func checkInvariants(t *testing.T, s Sequence) {
	t.Helper()
	for i, r := range s.ranges {
		require.LessOrEqual(t, r.Start, r.End, "range %d inverted: %v", i, s)
		if i == 0 {
			continue
		}
		prev := s.ranges[i-1]
		require.NotEqual(t, Inf, prev.End, "unbounded range before the tail: %v", s)
		require.Less(t, prev.End+1, r.Start, "ranges %d and %d touch: %v", i-1, i, s)
	}
}

func TestInclude(t *testing.T) {
	tests := []struct {
		name string
		in   []Range
		want []Range
	}{
		{"single", []Range{{1, 5}}, []Range{{1, 5}}},
		{"disjoint", []Range{{10, 12}, {1, 5}}, []Range{{1, 5}, {10, 12}}},
		{"adjacent merges", []Range{{1, 5}, {6, 8}}, []Range{{1, 8}}},
		{"adjacent below merges", []Range{{6, 8}, {1, 5}}, []Range{{1, 8}}},
		{"overlap", []Range{{1, 5}, {3, 9}}, []Range{{1, 9}}},
		{"bridge", []Range{{1, 2}, {8, 9}, {3, 7}}, []Range{{1, 9}}},
		{"swallow", []Range{{3, 4}, {6, 7}, {1, 10}}, []Range{{1, 10}}},
		{"unbounded", []Range{{5, 6}, {8, Inf}}, []Range{{5, 6}, {8, Inf}}},
		{"unbounded swallows", []Range{{5, 6}, {8, 9}, {2, Inf}}, []Range{{2, Inf}}},
		{"inverted ignored", []Range{{5, 1}}, []Range{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Sequence
			for _, r := range tt.in {
				s.Include(r.Start, r.End)
			}
			checkInvariants(t, s)
			assert.Equal(t, tt.want, s.Ranges())
		})
	}
}

func TestExclude(t *testing.T) {
	tests := []struct {
		name    string
		start   []Range
		exclude Range
		want    []Range
	}{
		{"split middle", []Range{{1, 10}}, Range{4, 6}, []Range{{1, 3}, {7, 10}}},
		{"trim head", []Range{{1, 10}}, Range{1, 3}, []Range{{4, 10}}},
		{"trim tail", []Range{{1, 10}}, Range{8, 20}, []Range{{1, 7}}},
		{"remove whole", []Range{{1, 3}, {5, 7}}, Range{5, 7}, []Range{{1, 3}}},
		{"across ranges", []Range{{1, 3}, {5, 7}, {9, 12}}, Range{2, 10}, []Range{{1, 1}, {11, 12}}},
		{"bounded inside unbounded", []Range{{1, Inf}}, Range{5, 9}, []Range{{1, 4}, {10, Inf}}},
		{"unbounded exclusion caps", []Range{{1, Inf}}, Range{5, Inf}, []Range{{1, 4}}},
		{"miss", []Range{{5, 7}}, Range{1, 3}, []Range{{5, 7}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.start...)
			s.Exclude(tt.exclude.Start, tt.exclude.End)
			checkInvariants(t, s)
			assert.Equal(t, tt.want, s.Ranges())
		})
	}
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	model := make(map[uint64]bool)
	var s Sequence

	for i := 0; i < 2000; i++ {
		start := uint64(rng.Intn(200) + 1)
		end := start + uint64(rng.Intn(15))
		if rng.Intn(2) == 0 {
			s.Include(start, end)
			for n := start; n <= end; n++ {
				model[n] = true
			}
		} else {
			s.Exclude(start, end)
			for n := start; n <= end; n++ {
				delete(model, n)
			}
		}
		checkInvariants(t, s)
	}

	for n := uint64(0); n < 240; n++ {
		assert.Equal(t, model[n], s.Contains(n), "membership of %d", n)
	}
}

func TestExcludeThenIncludeRestores(t *testing.T) {
	s := New(Range{1, 20}, Range{30, Inf})
	before := s.Clone()

	s.Exclude(5, 35)
	assert.False(t, s.Contains(5))
	assert.False(t, s.Contains(35))

	s.Include(5, 35)
	for n := uint64(5); n <= 35; n++ {
		assert.True(t, s.Contains(n), "value %d", n)
	}
	// the gap between 20 and 30 is now filled, everything else is as before
	for n := uint64(1); n < 5; n++ {
		assert.Equal(t, before.Contains(n), s.Contains(n))
	}
	assert.True(t, s.Contains(1000000))
	checkInvariants(t, s)
}

func TestContainsUnbounded(t *testing.T) {
	s := New(Range{3, 4}, Range{10, Inf})
	assert.False(t, s.Contains(0))
	assert.False(t, s.Contains(2))
	assert.True(t, s.Contains(3))
	assert.False(t, s.Contains(5))
	assert.True(t, s.Contains(10))
	assert.True(t, s.Contains(Inf-1))
	assert.True(t, s.Contains(Inf))
}

func TestFirstLastStretch(t *testing.T) {
	var empty Sequence
	assert.Equal(t, uint64(0), empty.First())
	assert.Equal(t, uint64(0), empty.Last())
	empty.Stretch()
	assert.True(t, empty.Empty())

	s := New(Range{4, 6}, Range{9, 11}, Range{20, 25})
	assert.Equal(t, uint64(4), s.First())
	assert.Equal(t, uint64(25), s.Last())

	s.Stretch()
	assert.Equal(t, []Range{{4, Inf}}, s.Ranges())
}

func TestSetOperations(t *testing.T) {
	a := New(Range{1, 10}, Range{20, 30})
	b := New(Range{5, 25})

	u := a.Clone()
	u.Union(b)
	assert.Equal(t, []Range{{1, 30}}, u.Ranges())

	i := a.Clone()
	i.Intersect(b)
	assert.Equal(t, []Range{{5, 10}, {20, 25}}, i.Ranges())

	d := a.Clone()
	d.Subtract(b)
	assert.Equal(t, []Range{{1, 4}, {26, 30}}, d.Ranges())

	f := Full()
	f.Subtract(New(Range{1, 7}))
	assert.Equal(t, []Range{{8, Inf}}, f.Ranges())

	c := Full()
	c.Clip(12)
	assert.Equal(t, []Range{{1, 12}}, c.Ranges())

	assert.True(t, a.Equal(New(Range{20, 30}, Range{1, 10})))
	assert.False(t, a.Equal(b))
}

func TestJSON(t *testing.T) {
	s := New(Range{1, 5}, Range{9, Inf})
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `[[1,5],[9,null]]`, string(data))

	var decoded Sequence
	require.NoError(t, json.Unmarshal([]byte(`[[9,null],[1,3],[4,5]]`), &decoded))
	assert.True(t, s.Equal(decoded), "got %v", decoded)

	var empty Sequence
	data, err = json.Marshal(empty)
	require.NoError(t, err)
	assert.Equal(t, `[]`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`[[5,1]]`), &decoded))
	assert.Error(t, json.Unmarshal([]byte(`[[null,1]]`), &decoded))
}

func TestYAML(t *testing.T) {
	type wrapper struct {
		Sequence Sequence `yaml:"sequence,omitempty"`
		Other    string   `yaml:"other"`
	}

	in := wrapper{Sequence: New(Range{2, 3}, Range{7, Inf}), Other: "x"}
	data, err := yaml.Marshal(in)
	require.NoError(t, err)

	var out wrapper
	require.NoError(t, yaml.Unmarshal(data, &out))
	assert.True(t, in.Sequence.Equal(out.Sequence), "got %v from %s", out.Sequence, data)

	data, err = yaml.Marshal(wrapper{Other: "y"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sequence")
}
