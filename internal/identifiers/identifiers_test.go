package identifiers

import "testing"

func TestNormalizeDOI(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"10.1234/ABC", "10.1234/abc"},
		{"  10.1234/abc  ", "10.1234/abc"},
		{"https://doi.org/10.1234/abc", "10.1234/abc"},
		{"http://doi.org/10.1234/abc", "10.1234/abc"},
		{"doi:10.1234/abc", "10.1234/abc"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeDOI(c.in); got != c.want {
			t.Errorf("NormalizeDOI(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizePMID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"12345", "12345"},
		{"  12345  ", "12345"},
		{"PMID:12345", "12345"},
		{"pmid:12345", "12345"},
	}
	for _, c := range cases {
		if got := NormalizePMID(c.in); got != c.want {
			t.Errorf("NormalizePMID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizePMCID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"pmc123", "PMC123"},
		{"123", "PMC123"},
		{"PMC123", "PMC123"},
		{"  pmc123  ", "PMC123"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizePMCID(c.in); got != c.want {
			t.Errorf("NormalizePMCID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
