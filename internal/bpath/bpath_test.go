package bpath

import (
	"testing"

	"github.com/ferrite-os/ferrite/internal/ustr"
)

func TestCanonicalize(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/", "/"},
		{"//a//b/", "/a/b"},
		{"/a/./b", "/a/b"},
		{"/a/b/..", "/a"},
		{"/a/../..", "/"},
		{"/../x", "/x"},
	}
	for _, c := range cases {
		if got := Canonicalize(ustr.New(c.in)).String(); got != c.want {
			t.Errorf("Canonicalize(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDirAndBase(t *testing.T) {
	cases := []struct{ in, dir, base string }{
		{"/a/b/c", "/a/b", "c"},
		{"/a", "/", "a"},
		{"/", "/", "/"},
		{"a", ".", "a"},
		{"a/b/c", "a/b", "c"},
	}
	for _, c := range cases {
		if got := Dir(ustr.New(c.in)).String(); got != c.dir {
			t.Errorf("Dir(%q) = %q, want %q", c.in, got, c.dir)
		}
		if got := Base(ustr.New(c.in)); got != c.base {
			t.Errorf("Base(%q) = %q, want %q", c.in, got, c.base)
		}
	}
}
