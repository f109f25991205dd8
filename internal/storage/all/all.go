// Package all registers every storage backend with the factory. Entry points
// blank-import it so config alone decides which engine a deployment uses.
package all

import (
	_ "csvetl/internal/storage/mssql"
	_ "csvetl/internal/storage/postgres"
	_ "csvetl/internal/storage/sqlite"
)
