package chunk

import "fmt"

func errShort(what string, want, got int) error {
	return fmt.Errorf("%s too short: need %d bytes, have %d", what, want, got)
}

func errBadMagic(got []byte) error {
	return fmt.Errorf("bad magic bytes %q, want %q", got, Magic[:])
}

func errBadVersion(got uint16) error {
	return fmt.Errorf("unsupported chunk format version %d, want %d", got, FormatVersion)
}

func errOffsetInvariant(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
