// Package ustr is the kernel's path/name string type: a raw byte slice,
// never interpreted as Unicode. ext2 file names and VFS path components
// are byte sequences on disk and across the syscall boundary, so there is
// no normalization step here, and no golang.org/x/text dependency.
// Grounded on ustr/ustr.go.
package ustr

// Ustr is an immutable-by-convention path or name.
type Ustr []byte

// New wraps a Go string as a Ustr.
func New(s string) Ustr { return Ustr(s) }

// Root returns the Ustr for "/".
func Root() Ustr { return Ustr("/") }

// Dot returns the Ustr for ".".
func Dot() Ustr { return Ustr(".") }

// DotDot returns the Ustr for "..".
var DotDot = Ustr("..")

// IsDot reports whether us is exactly ".".
func (us Ustr) IsDot() bool { return len(us) == 1 && us[0] == '.' }

// IsDotDot reports whether us is exactly "..".
func (us Ustr) IsDotDot() bool { return len(us) == 2 && us[0] == '.' && us[1] == '.' }

// IsAbsolute reports whether us begins with '/'.
func (us Ustr) IsAbsolute() bool { return len(us) > 0 && us[0] == '/' }

// Eq reports byte-for-byte equality.
func (us Ustr) Eq(other Ustr) bool {
	if len(us) != len(other) {
		return false
	}
	for i := range us {
		if us[i] != other[i] {
			return false
		}
	}
	return true
}

// FromNulTerminated truncates buf at the first NUL byte, the shape a
// string copied in from user memory arrives in.
func FromNulTerminated(buf []byte) Ustr {
	for i, b := range buf {
		if b == 0 {
			return Ustr(buf[:i])
		}
	}
	return Ustr(buf)
}

// Extend appends '/'+p to us, returning a new Ustr (us is never mutated
// in place, matching the teacher's append-into-a-copy discipline).
func (us Ustr) Extend(p Ustr) Ustr {
	tmp := make(Ustr, len(us), len(us)+1+len(p))
	copy(tmp, us)
	tmp = append(tmp, '/')
	return append(tmp, p...)
}

// ExtendStr is Extend for a plain Go string component.
func (us Ustr) ExtendStr(p string) Ustr {
	return us.Extend(Ustr(p))
}

// String renders us as a Go string, for logging and map keys.
func (us Ustr) String() string {
	return string(us)
}
