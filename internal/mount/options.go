package mount

import (
	"strings"

	"bazil.org/fuse"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// MountOptions converts command line arguments into mount options. Arguments
// may be "-o" followed by a comma-separated list, "-o<list>", or a bare
// option name. Unrecognized options are logged and ignored.
func MountOptions(l log.Logger, args []string) []fuse.MountOption {
	if l == nil {
		l = log.NewNopLogger()
	}

	var opts []fuse.MountOption
	for _, name := range optionNames(l, args) {
		key, value, _ := strings.Cut(name, "=")
		switch key {
		case "allow_other":
			opts = append(opts, fuse.AllowOther())
		case "ro":
			opts = append(opts, fuse.ReadOnly())
		case "default_permissions":
			opts = append(opts, fuse.DefaultPermissions())
		case "nonempty":
			opts = append(opts, fuse.AllowNonEmptyMount())
		case "fsname":
			opts = append(opts, fuse.FSName(value))
		case "subtype":
			opts = append(opts, fuse.Subtype(value))
		default:
			level.Warn(l).Log("msg", "ignoring unsupported mount option", "option", name)
		}
	}
	return opts
}

// optionNames flattens args into individual option names.
func optionNames(l log.Logger, args []string) []string {
	var names []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-o":
			if i+1 >= len(args) {
				level.Warn(l).Log("msg", "ignoring -o without a value")
				continue
			}
			i++
			names = append(names, splitOptions(args[i])...)
		case strings.HasPrefix(arg, "-o"):
			names = append(names, splitOptions(arg[2:])...)
		default:
			names = append(names, splitOptions(strings.TrimLeft(arg, "-"))...)
		}
	}
	return names
}

func splitOptions(list string) []string {
	var res []string
	for _, opt := range strings.Split(list, ",") {
		if opt = strings.TrimSpace(opt); opt != "" {
			res = append(res, opt)
		}
	}
	return res
}
