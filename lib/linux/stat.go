// Based on https://github.com/datawire/ocibuild/blob/master/pkg/python/stat.go

package linux

type StatMode uint32

//nolint:deadcode,varcheck // not all of these modes will be used
const (
	// 16 bits = 5⅓ octal characters

	ModeFmt StatMode = 0o17_0000 // mask for the type bits

	ModeFmtNamedPipe   StatMode = 0o01_0000 // type: named pipe (FIFO)
	ModeFmtCharDevice  StatMode = 0o02_0000 // type: character device
	ModeFmtDir         StatMode = 0o04_0000 // type: directory
	ModeFmtBlockDevice StatMode = 0o06_0000 // type: block device
	ModeFmtRegular     StatMode = 0o10_0000 // type: regular file
	ModeFmtSymlink     StatMode = 0o12_0000 // type: symbolic link
	ModeFmtSocket      StatMode = 0o14_0000 // type: socket file

	ModePerm StatMode = 0o00_7777 // mask for permission bits
)

// Fmt returns just the type bits.
func (mode StatMode) Fmt() StatMode {
	return mode & ModeFmt
}

// IsDir reports whether mode describes a directory.
func (mode StatMode) IsDir() bool {
	return mode.Fmt() == ModeFmtDir
}

// IsRegular reports whether mode describes a regular file.
func (mode StatMode) IsRegular() bool {
	return mode.Fmt() == ModeFmtRegular
}

// IsSymlink reports whether mode describes a symbolic link.
func (mode StatMode) IsSymlink() bool {
	return mode.Fmt() == ModeFmtSymlink
}

// String returns a textual representation of the mode.
//
// This is the format that POSIX specifies for showing the mode in the
// output of the `ls -l` command.  POSIX does not specify the
// character to use to indicate a ModeFmtSocket file; this method uses
// 's' (GNU `ls` behavior; though POSIX notes that many
// implementations use '=' for sockets).
func (mode StatMode) String() string {
	buf := [10]byte{
		// type: This string directly pairs with the ModeFmtXXX
		// list above; the character in the string
		// left-to-right corresponds with the constant in the
		// list top-to-bottom.
		"?pc?d?b?-?l?s???"[mode>>12],

		// owner
		"-r"[(mode>>8)&0o1],
		"-w"[(mode>>7)&0o1],
		"-xSs"[((mode>>6)&0o1)|((mode>>10)&0o2)],

		// group
		"-r"[(mode>>5)&0o1],
		"-w"[(mode>>4)&0o1],
		"-xSs"[((mode>>3)&0o1)|((mode>>9)&0o2)],

		// other
		"-r"[(mode>>2)&0o1],
		"-w"[(mode>>1)&0o1],
		"-xTt"[((mode>>0)&0o1)|((mode>>8)&0o2)],
	}

	return string(buf[:])
}
