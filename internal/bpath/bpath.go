// Package bpath canonicalizes filesystem paths: collapsing "//", removing
// "." components, and resolving ".." lexically against the path built so
// far. The teacher's bpath package ships only a go.mod in the retrieval
// pack -- no source was retrieved -- so this is authored fresh against its
// only call site, fd/fd.go's Cwd_t.Canonicalpath, which establishes the
// contract: the caller has already joined cwd and the (possibly relative)
// path into one absolute string; bpath reduces it to canonical form.
package bpath

import "github.com/ferrite-os/ferrite/internal/ustr"

// Canonicalize reduces an absolute path to its canonical form: always
// starts with '/', contains no empty, "." or unresolved ".." components,
// and has no trailing slash (except the root itself).
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	segs := Split(p)
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, s)
		}
	}
	return Join(out)
}

// Split breaks a path into its non-empty components.
func Split(p ustr.Ustr) []string {
	var segs []string
	start := -1
	for i := 0; i <= len(p); i++ {
		if i < len(p) && p[i] != '/' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			segs = append(segs, string(p[start:i]))
			start = -1
		}
	}
	return segs
}

// Join reassembles canonical components into an absolute Ustr path.
func Join(segs []string) ustr.Ustr {
	if len(segs) == 0 {
		return ustr.Root()
	}
	out := make([]byte, 0, 1+len(segs)*8)
	for _, s := range segs {
		out = append(out, '/')
		out = append(out, s...)
	}
	return ustr.Ustr(out)
}

// Dir returns all but the last component (the parent directory). An
// absolute path's parent stays absolute ("/" for a top-level entry); a
// relative path's parent stays relative ("." for a bare name, so a
// caller resolving it against the working directory lands there rather
// than at the root).
func Dir(p ustr.Ustr) ustr.Ustr {
	segs := Split(p)
	if len(segs) <= 1 {
		if p.IsAbsolute() {
			return ustr.Root()
		}
		return ustr.Dot()
	}
	if p.IsAbsolute() {
		return Join(segs[:len(segs)-1])
	}
	return joinRelative(segs[:len(segs)-1])
}

func joinRelative(segs []string) ustr.Ustr {
	out := make([]byte, 0, len(segs)*8)
	for i, s := range segs {
		if i > 0 {
			out = append(out, '/')
		}
		out = append(out, s...)
	}
	return ustr.Ustr(out)
}

// Base returns the last path component.
func Base(p ustr.Ustr) string {
	segs := Split(p)
	if len(segs) == 0 {
		return "/"
	}
	return segs[len(segs)-1]
}
