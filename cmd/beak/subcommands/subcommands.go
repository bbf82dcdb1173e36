package subcommands

import (
	"sort"

	"github.com/weetmuts/beak/appcontext"
)

var subcommands map[string]func(*appcontext.Context, []string) int = make(map[string]func(*appcontext.Context, []string) int)

func Register(command string, fn func(*appcontext.Context, []string) int) {
	subcommands[command] = fn
}

func Execute(ctx *appcontext.Context, command string, args []string) (int, bool) {
	fn, exists := subcommands[command]
	if !exists {
		return 1, false
	}
	return fn(ctx, args), true
}

func List() []string {
	names := make([]string, 0, len(subcommands))
	for name := range subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
