package sequence

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// pairs renders the sequence as [start, end] pairs with nil for Inf.
func (s Sequence) pairs() [][2]*uint64 {
	out := make([][2]*uint64, len(s.ranges))
	for i, r := range s.ranges {
		start := r.Start
		out[i][0] = &start
		if r.End != Inf {
			end := r.End
			out[i][1] = &end
		}
	}
	return out
}

func fromPairs(pairs [][2]*uint64) (Sequence, error) {
	var s Sequence
	for i, p := range pairs {
		if p[0] == nil {
			return Sequence{}, fmt.Errorf("range %d: start is required", i)
		}
		end := Inf
		if p[1] != nil {
			end = *p[1]
		}
		if *p[0] > end {
			return Sequence{}, fmt.Errorf("range %d: start %d is greater than end %d", i, *p[0], end)
		}
		s.Include(*p[0], end)
	}
	return s, nil
}

// MarshalJSON encodes the sequence as [[start, end], ...] with null for an
// unbounded end.
func (s Sequence) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.pairs())
}

// UnmarshalJSON decodes the [[start, end], ...] form.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var pairs [][2]*uint64
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("invalid sequence: %w", err)
	}
	parsed, err := fromPairs(pairs)
	if err != nil {
		return fmt.Errorf("invalid sequence: %w", err)
	}
	*s = parsed
	return nil
}

// MarshalYAML encodes the same pair form used for JSON.
func (s Sequence) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, r := range s.ranges {
		pair := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		pair.Content = append(pair.Content, &yaml.Node{
			Kind:  yaml.ScalarNode,
			Tag:   "!!int",
			Value: fmt.Sprintf("%d", r.Start),
		})
		if r.End == Inf {
			pair.Content = append(pair.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"})
		} else {
			pair.Content = append(pair.Content, &yaml.Node{
				Kind:  yaml.ScalarNode,
				Tag:   "!!int",
				Value: fmt.Sprintf("%d", r.End),
			})
		}
		node.Content = append(node.Content, pair)
	}
	return node, nil
}

// UnmarshalYAML decodes the pair form.
func (s *Sequence) UnmarshalYAML(node *yaml.Node) error {
	var pairs [][2]*uint64
	if err := node.Decode(&pairs); err != nil {
		return fmt.Errorf("invalid sequence: %w", err)
	}
	parsed, err := fromPairs(pairs)
	if err != nil {
		return fmt.Errorf("invalid sequence: %w", err)
	}
	*s = parsed
	return nil
}
