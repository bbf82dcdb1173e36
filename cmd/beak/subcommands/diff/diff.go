package diff

import (
	"fmt"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
	"github.com/weetmuts/beak/logger"
)

func init() {
	subcommands.Register("diff", cmd_diff)
}

// Snapshot diffing is not finished; refusing beats a half-answer.
func cmd_diff(ctx *appcontext.Context, args []string) int {
	err := fmt.Errorf("%w: the diff command is not implemented yet", beakerr.ErrUnsupported)
	logger.Error("%v", err)
	return beakerr.ExitCode(err)
}
