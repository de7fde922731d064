package revisecmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/root-talis/revise"
)

type StatusCommand struct {
	root *Command
	out  io.Writer
}

func (c *StatusCommand) Execute([]string) error {
	return c.root.run(func(e env) error {
		result, err := e.migrate.Validate(e.ctx)
		if err != nil {
			return err
		}

		return printStatus(writerOr(c.out), result)
	})
}

func printStatus(out io.Writer, result *revise.ValidationResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "REVISION\tREVISES\tNAME\tSTATUS\tAPPLIED AT")
	for _, mig := range result.Migrations {
		appliedAt := ""
		if !mig.AppliedAt.IsZero() {
			appliedAt = mig.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mig.Revision, mig.DownRevision, mig.Name, mig.Status, appliedAt)
	}
	fmt.Fprintf(w, "\n%d applied, %d pending, %d missing\n",
		result.AppliedCount, result.PendingCount, result.MissingCount)

	return w.Flush()
}

type CurrentCommand struct {
	root *Command
	out  io.Writer
}

func (c *CurrentCommand) Execute([]string) error {
	return c.root.run(func(e env) error {
		current, err := e.migrate.Current(e.ctx)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(writerOr(c.out), current)
		return err
	})
}

type UpgradeCommand struct {
	root *Command

	To string `long:"to" default:"head" description:"Revision, name or branch label to upgrade to."`
}

func (c *UpgradeCommand) Execute([]string) error {
	return c.root.run(func(e env) error {
		e.logger.Info("upgrading", zap.String("target", c.To))
		return e.migrate.Upgrade(e.ctx, c.To)
	})
}

type DowngradeCommand struct {
	root *Command

	To string `long:"to" required:"true" description:"Revision to downgrade to, or \"base\" to revert everything."`
}

func (c *DowngradeCommand) Execute([]string) error {
	return c.root.run(func(e env) error {
		e.logger.Info("downgrading", zap.String("target", c.To))
		return e.migrate.Downgrade(e.ctx, c.To)
	})
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
