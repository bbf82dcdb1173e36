package help

import (
	"fmt"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
)

func init() {
	subcommands.Register("help", cmd_help)
}

func cmd_help(ctx *appcontext.Context, args []string) int {
	fmt.Println("usage: beak [options] <command> [arguments]")
	fmt.Println()
	fmt.Println("commands:")
	fmt.Println("  store    [-ta N] [-i glob] [-e glob] <origin|rule> <directory>")
	fmt.Println("  mount    [-ta N] [-i glob] [-e glob] <origin|rule> <mountpoint>")
	fmt.Println("  push     [-ta N] [-i glob] [-e glob] <origin|rule> <storage>")
	fmt.Println("  pull     <storage> <directory>")
	fmt.Println("  remount  [-pointintime @N] <storage> <mountpoint>")
	fmt.Println("  restore  [-pointintime @N] <storage> <directory>")
	fmt.Println("  prune    [-n] [-keep N] <storage>")
	fmt.Println("  history  (not implemented)")
	fmt.Println("  diff     (not implemented)")
	fmt.Println("  version")
	fmt.Println()
	fmt.Println("storages: a local directory, an rclone remote (remote:path),")
	fmt.Println("an rsync remote (rsync://host/path) or s3://endpoint/bucket")
	return 0
}
