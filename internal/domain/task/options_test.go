package task

import (
	"reflect"
	"testing"
	"time"
)

func TestOptionsMerge(t *testing.T) {
	defaults := Options{
		MaxDuration: time.Minute,
		MaxRetries:  2,
		Priority:    1,
		PartitionID: "default",
		Metadata:    map[string]string{"team": "core", "tier": "gold"},

		ApplicationName:      "pricer",
		ApplicationVersion:   "1.0.0",
		ApplicationNamespace: "risk",
	}

	tests := []struct {
		name string
		in   *Options
		want Options
	}{
		{
			name: "nil keeps defaults",
			in:   nil,
			want: defaults,
		},
		{
			name: "zero values keep defaults",
			in:   &Options{},
			want: defaults,
		},
		{
			name: "explicit values win",
			in:   &Options{MaxRetries: 5, Priority: 3, PartitionID: "gpu"},
			want: Options{
				MaxDuration: time.Minute, MaxRetries: 5, Priority: 3, PartitionID: "gpu",
				ApplicationName: "pricer", ApplicationVersion: "1.0.0", ApplicationNamespace: "risk",
			},
		},
		{
			name: "application identity",
			in:   &Options{ApplicationVersion: "2.1.0", EngineType: "unified"},
			want: Options{
				MaxDuration: time.Minute, MaxRetries: 2, Priority: 1, PartitionID: "default",
				ApplicationName: "pricer", ApplicationVersion: "2.1.0", ApplicationNamespace: "risk",
				EngineType: "unified",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, want := tt.in.Merge(defaults), tt.want
			got.Metadata, want.Metadata = nil, nil
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("merge = %+v, want %+v", got, want)
			}
		})
	}
}

func TestOptionsMergeMetadata(t *testing.T) {
	defaults := Options{Metadata: map[string]string{"team": "core", "tier": "gold"}}
	in := &Options{Metadata: map[string]string{"tier": "silver", "team": "", "zone": "eu"}}

	got := in.Merge(defaults)
	if v, ok := got.Metadata["team"]; !ok || v != "" {
		t.Errorf("expected empty override to replace default, got %q (present %v)", v, ok)
	}
	if got.Metadata["tier"] != "silver" {
		t.Errorf("expected tier silver, got %q", got.Metadata["tier"])
	}
	if got.Metadata["zone"] != "eu" {
		t.Errorf("expected zone eu, got %q", got.Metadata["zone"])
	}
	got.Metadata["team"] = "mutated"
	if defaults.Metadata["team"] != "core" {
		t.Fatal("merge must not alias the defaults metadata map")
	}
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"valid", Options{Priority: 1, PartitionID: "p"}, false},
		{"negative retries", Options{Priority: 1, PartitionID: "p", MaxRetries: -1}, true},
		{"priority too high", Options{Priority: 5, PartitionID: "p"}, true},
		{"priority zero", Options{Priority: 0, PartitionID: "p"}, true},
		{"missing partition", Options{Priority: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate(4)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskRetryBudget(t *testing.T) {
	tk := &Task{Options: Options{MaxRetries: 2}}
	if !tk.CanRetry() {
		t.Fatal("expected first failure to be retryable")
	}
	tk.RetryOfIDs = []string{"a", "b"}
	if tk.CanRetry() {
		t.Fatal("expected retry budget to be exhausted")
	}
}

func TestFilterMatches(t *testing.T) {
	tk := &Task{ID: "t1", SessionID: "s1", Status: StatusProcessing}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"session", Filter{SessionID: "s1"}, true},
		{"other session", Filter{SessionID: "s2"}, false},
		{"task ids", Filter{TaskIDs: []string{"t0", "t1"}}, true},
		{"status miss", Filter{Statuses: []Status{StatusCompleted}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tk); got != tt.want {
				t.Fatalf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
