package history

import (
	"fmt"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
	"github.com/weetmuts/beak/logger"
)

func init() {
	subcommands.Register("history", cmd_history)
}

// The cross-storage history view is not finished; refusing beats a
// half-answer.
func cmd_history(ctx *appcontext.Context, args []string) int {
	err := fmt.Errorf("%w: the history command is not implemented yet", beakerr.ErrUnsupported)
	logger.Error("%v", err)
	return beakerr.ExitCode(err)
}
