package version

import (
	"fmt"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
)

const VERSION = "0.7.0"

func init() {
	subcommands.Register("version", cmd_version)
}

func cmd_version(ctx *appcontext.Context, args []string) int {
	fmt.Println(VERSION)
	return 0
}
