package moderation

import "testing"

func TestFilter(t *testing.T) {
	tests := []struct {
		name         string
		in           string
		want         string
		wantFiltered bool
	}{
		{
			name: "clean text untouched",
			in:   "hello world",
			want: "hello world",
		},
		{
			name:         "single blocked word",
			in:           "damn that was close",
			want:         "**** that was close",
			wantFiltered: true,
		},
		{
			name:         "case insensitive",
			in:           "DAMN",
			want:         "****",
			wantFiltered: true,
		},
		{
			name:         "punctuation boundary",
			in:           "damn!",
			want:         "****!",
			wantFiltered: true,
		},
		{
			name: "substring not masked",
			in:   "hello shellfish",
			want: "hello shellfish",
		},
		{
			name:         "multiple words",
			in:           "damn it all to hell",
			want:         "**** it all to ****",
			wantFiltered: true,
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Filter(tt.in)
			if got.Text != tt.want {
				t.Errorf("Filter(%q).Text = %q, want %q", tt.in, got.Text, tt.want)
			}
			if got.Filtered != tt.wantFiltered {
				t.Errorf("Filter(%q).Filtered = %v, want %v", tt.in, got.Filtered, tt.wantFiltered)
			}
			if got.Filtered && got.Original != tt.in {
				t.Errorf("Filter(%q).Original = %q, want original preserved", tt.in, got.Original)
			}
			if !got.Filtered && got.Original != "" {
				t.Errorf("Filter(%q).Original = %q, want empty when unfiltered", tt.in, got.Original)
			}
		})
	}
}
