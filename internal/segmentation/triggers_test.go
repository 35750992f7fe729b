package segmentation

import (
	"reflect"
	"testing"
)

func TestExtractEventTriggers(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{
			name:  "simple equality",
			query: `SELECT user_id AS id FROM events WHERE events.name = 'purchase'`,
			want:  []string{"purchase"},
		},
		{
			name:  "reversed equality",
			query: `SELECT user_id AS id FROM events WHERE 'signup' = events.name`,
			want:  []string{"signup"},
		},
		{
			name:  "in list",
			query: `SELECT user_id AS id FROM events WHERE events.name IN ('purchase', 'refund')`,
			want:  []string{"purchase", "refund"},
		},
		{
			name: "backtick identifiers",
			query: "SELECT user_id AS id FROM `events` WHERE `events`.`name` = 'order_placed'",
			want: []string{"order_placed"},
		},
		{
			name: "nested and deduplicated",
			query: `SELECT id FROM users WHERE id IN
				(SELECT user_id FROM events WHERE events.name = 'b' OR events.name = 'a')
				AND id IN (SELECT user_id FROM events WHERE events.name = 'a')`,
			want: []string{"a", "b"},
		},
		{
			name:  "unqualified name column is not a trigger",
			query: `SELECT user_id AS id FROM events WHERE name = 'purchase'`,
			want:  nil,
		},
		{
			name:  "no event comparisons",
			query: `SELECT id FROM users WHERE JSON_EXTRACT(attributes, '$.active') = true`,
			want:  nil,
		},
		{
			name:  "subquery on the right of IN is ignored",
			query: `SELECT id FROM users WHERE id IN (SELECT user_id FROM events)`,
			want:  nil,
		},
		{
			name:  "unparseable SQL yields no triggers",
			query: `SELECT FROM WHERE`,
			want:  nil,
		},
		{
			name:  "non-string literal is ignored",
			query: `SELECT user_id AS id FROM events WHERE events.name = 42`,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractEventTriggers(tt.query)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractEventTriggers() = %v, want %v", got, tt.want)
			}
		})
	}
}
