package query

import "testing"

func TestParamScale(t *testing.T) {
	cases := []struct {
		name string
		in   *string
		want float64
	}{
		{"billions", strp("7B"), 7e9},
		{"fractional billions", strp("1.5B"), 1.5e9},
		{"millions", strp("700M"), 7e8},
		{"lowercase", strp("8b"), 8e9},
		{"bare number", strp("13"), 13},
		{"nil", nil, -1},
		{"empty", strp(""), -1},
		{"garbage", strp("tiny"), -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := paramScale(tc.in); got != tc.want {
				t.Errorf("paramScale(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func names(listings []ModelListing) []string {
	out := make([]string, len(listings))
	for i, l := range listings {
		out[i] = l.Name
	}
	return out
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSortListings(t *testing.T) {
	base := func() []ModelListing {
		return []ModelListing{
			{Name: "mid:8b", Hosts: 3, ParameterSize: strp("8B"), QuantizationLevel: strp("Q5_K_M")},
			{Name: "big:70b", Hosts: 1, ParameterSize: strp("70B"), QuantizationLevel: strp("Q4_0")},
			{Name: "tiny:1b", Hosts: 5, ParameterSize: strp("1B")},
		}
	}

	cases := []struct {
		key  string
		want []string
	}{
		{SortByName, []string{"big:70b", "mid:8b", "tiny:1b"}},
		{SortByParams, []string{"big:70b", "mid:8b", "tiny:1b"}},
		{SortByQuant, []string{"big:70b", "mid:8b", "tiny:1b"}},
		{SortByCount, []string{"tiny:1b", "mid:8b", "big:70b"}},
		{"", []string{"big:70b", "mid:8b", "tiny:1b"}},
	}
	for _, tc := range cases {
		name := tc.key
		if name == "" {
			name = "default"
		}
		t.Run(name, func(t *testing.T) {
			listings := base()
			sortListings(listings, tc.key)
			if got := names(listings); !equalNames(got, tc.want) {
				t.Errorf("sort %q produced %v, want %v", tc.key, got, tc.want)
			}
		})
	}
}

func TestSortListingsUnknownQuantLast(t *testing.T) {
	listings := []ModelListing{
		{Name: "a", QuantizationLevel: nil},
		{Name: "b", QuantizationLevel: strp("Q8_0")},
	}
	sortListings(listings, SortByQuant)
	if listings[0].Name != "b" || listings[1].Name != "a" {
		t.Errorf("expected unknown quantization last, got %v", names(listings))
	}
}
