package voice

import "testing"

func TestSpeakableText(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops markdown emphasis and list markers",
			in:   "**Rest** today.\n- Drink water\n- Sleep early",
			want: "Rest today. Drink water Sleep early",
		},
		{
			name: "keeps link label and removes url",
			in:   "See [the leaflet](https://example.com/leaflet) for details.",
			want: "See the leaflet for details.",
		},
		{
			name: "spells out units",
			in:   "Your temperature is 38.5°C, take 500mg paracetamol.",
			want: "Your temperature is 38.5 degrees Celsius, take 500 milligrams paracetamol.",
		},
		{
			name: "drops emoji",
			in:   "Feel better soon 😊",
			want: "Feel better soon",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := speakableText(tc.in); got != tc.want {
				t.Fatalf("speakableText(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
