package cmdutil

import "flag"

// IsBoolFlag reports whether f doesn't take a value.
func IsBoolFlag(f *flag.Flag) bool {
	bf, ok := f.Value.(interface{ IsBoolFlag() bool })
	return ok && bf.IsBoolFlag()
}
