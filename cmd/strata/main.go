// Copyright 2025-present The Strata Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/stratadb/strata/cmd/strata/internal/cmdapi"
	_ "github.com/stratadb/strata/sql/mysql"
	_ "github.com/stratadb/strata/sql/postgres"
	_ "github.com/stratadb/strata/sql/sqlclient/cloudsql"
	_ "github.com/stratadb/strata/sql/sqlite"

	"github.com/joho/godotenv"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

func main() {
	// A .env file in the working directory can feed credentials to
	// project files. Its absence is not an error.
	_ = godotenv.Load()
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	cmdapi.Root.SetOut(os.Stdout)
	if err := cmdapi.Root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
