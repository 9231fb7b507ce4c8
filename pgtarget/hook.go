package pgtarget

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var LoadedAtColumnName = "__etl_loaded_at__"

// AddLoadedAtColumnHook returns a hook that adds a __etl_loaded_at__ column, defaulting to now(), to staging tables.
// Rows left in an UNLOGGED staging table by a failed commit can then be matched to the run that staged them.
func AddLoadedAtColumnHook(next CreateStagingTableFunc) CreateStagingTableFunc {
	return func(ctx context.Context, input *CreateStagingTableInput) (*CreateStagingTableOutput, error) {
		output, err := next(ctx, input)
		if err != nil {
			return nil, err
		}

		alterSQL := fmt.Sprintf(`
				ALTER TABLE "%s"
				ADD COLUMN IF NOT EXISTS %s TIMESTAMPTZ NOT NULL DEFAULT now()`,
			output.StagingTable, LoadedAtColumnName)

		if err := input.Tx.WithContext(ctx).Exec(alterSQL).Error; err != nil {
			return nil, errors.Wrapf(err, "failed to add %s column to staging table %s", LoadedAtColumnName, output.StagingTable)
		}

		return output, nil
	}
}
