package prompt

import "testing"

func TestCompose(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		msg  string
		want string
	}{
		{"no document", "", "hello", "hello"},
		{"empty message", "", "", ""},
		{"with document", "Invoice total: $42", "What's the total?", "Invoice total: $42\n\nUser question: What's the total?"},
		{"whitespace document kept verbatim", " ", "q", " \n\nUser question: q"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compose(tc.doc, tc.msg); got != tc.want {
				t.Fatalf("Compose(%q, %q) = %q, want %q", tc.doc, tc.msg, got, tc.want)
			}
		})
	}
}
