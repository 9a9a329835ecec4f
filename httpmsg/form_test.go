package httpmsg

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func pairs(f *Form) map[string]string {
	out := make(map[string]string)
	for _, k := range f.Keys() {
		out[k] = f.Get(k)
	}
	return out
}

func TestDecodeForm(t *testing.T) {
	cases := []struct {
		body string
		want map[string]string
	}{
		{
			"username=alice&password=secret",
			map[string]string{"username": "alice", "password": "secret"},
		},
		{
			"a=1+2&b=%41%42",
			map[string]string{"a": "1 2", "b": "AB"},
		},
		{
			"q=100%25+done",
			map[string]string{"q": "100% done"},
		},
		{
			"key=",
			map[string]string{"key": ""},
		},
		{
			"lonely",
			map[string]string{"lonely": ""},
		},
		{
			"a=1&&b=2",
			map[string]string{"a": "1", "b": "2"},
		},
		{
			"",
			map[string]string{},
		},
		{
			// A stray '%' that isn't an escape passes through.
			"v=50%",
			map[string]string{"v": "50%"},
		},
	}

	for _, tc := range cases {
		got := pairs(DecodeForm(tc.body))
		if diff := pretty.Compare(got, tc.want); diff != "" {
			t.Errorf("DecodeForm(%q) diff: (-got +want)\n%s", tc.body, diff)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	bodies := []string{
		"username=alice&password=secret",
		"a=1+2&b=%41%42&c=x",
		"note=hello+world%21&empty=",
	}

	for _, body := range bodies {
		first := DecodeForm(body)
		second := DecodeForm(EncodeForm(first))

		if diff := pretty.Compare(pairs(second), pairs(first)); diff != "" {
			t.Errorf("round trip of %q diff: (-got +want)\n%s", body, diff)
		}
	}
}

func TestEncodePreservesKeyOrder(t *testing.T) {
	f := NewForm()
	f.Set("z", "1")
	f.Set("a", "2")
	f.Set("m", "3")

	if got, want := EncodeForm(f), "z=1&a=2&m=3"; got != want {
		t.Errorf("EncodeForm = %q, want %q", got, want)
	}
}
