package command

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		name    string
		trigger string
		body    string
		want    Action
	}{
		{"merge", "@mergequeue", "looks good, @mergequeue merge", Merge},
		{"cancel", "@mergequeue", "@mergequeue cancel please", Cancel},
		{"case insensitive trigger", "@mergequeue", "@MergeQueue Merge", Merge},
		{"no trigger", "@mergequeue", "please merge this", None},
		{"trigger with no action", "@mergequeue", "@mergequeue", None},
		{"trigger with unknown action", "@mergequeue", "@mergequeue approve", None},
		{"empty trigger never matches", "", "@mergequeue merge", None},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Parse(tc.trigger, tc.body); got != tc.want {
				t.Errorf("Parse(%q, %q) = %q, want %q", tc.trigger, tc.body, got, tc.want)
			}
		})
	}
}
