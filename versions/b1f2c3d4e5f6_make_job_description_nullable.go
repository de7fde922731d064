package versions

import (
	"context"
	"time"

	"github.com/root-talis/revise/op"
	"github.com/root-talis/revise/source/registry"
)

func init() {
	Registry.MustRegister(registry.Revision{
		ID:           "b1f2c3d4e5f6",
		DownRevision: "aee8ffda7711",
		Name:         "make_job_description_nullable",
		CreatedAt:    time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC),
		Upgrade:      upgradeB1F2C3D4E5F6,
		Downgrade:    downgradeB1F2C3D4E5F6,
	})
}

func upgradeB1F2C3D4E5F6(ctx context.Context, ops *op.Operations) error {
	return ops.AlterColumn(ctx, "jobs", "job_description", op.AlterColumnOptions{
		ExistingType: op.Text,
		Nullable:     true,
	})
}

// Rows without a description get an empty one before NOT NULL comes back.
// NULL and '' are indistinguishable afterwards.
func downgradeB1F2C3D4E5F6(ctx context.Context, ops *op.Operations) error {
	if err := ops.Execute(ctx, "UPDATE jobs SET job_description = '' WHERE job_description IS NULL"); err != nil {
		return err
	}

	return ops.AlterColumn(ctx, "jobs", "job_description", op.AlterColumnOptions{
		ExistingType: op.Text,
		Nullable:     false,
	})
}
