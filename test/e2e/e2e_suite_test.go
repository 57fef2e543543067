//go:build e2e

/*
Copyright (c) 2026 asyncgate
SPDX-License-Identifier: MIT
*/

package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/asyncgate/asyncgate/internal/storage/postgres"
)

var (
	pgContainer *tcpostgres.PostgresContainer
	pool        *pgxpool.Pool
	store       *postgres.Store
)

// Run e2e tests using the Ginkgo runner.
func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	fmt.Fprintf(GinkgoWriter, "Starting asyncgate suite\n")
	RunSpecs(t, "e2e suite")
}

var _ = BeforeSuite(func() {
	ctx := context.Background()

	var err error
	pgContainer, err = tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("asyncgate"),
		tcpostgres.WithUsername("asyncgate"),
		tcpostgres.WithPassword("asyncgate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second)),
	)
	Expect(err).NotTo(HaveOccurred())

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	Expect(err).NotTo(HaveOccurred())

	pool, err = pgxpool.New(ctx, connStr)
	Expect(err).NotTo(HaveOccurred())

	store = postgres.New(pool)
	Expect(store.EnsureSchema(ctx)).To(Succeed())
})

var _ = AfterSuite(func() {
	if pool != nil {
		pool.Close()
	}
	if pgContainer != nil {
		Expect(pgContainer.Terminate(context.Background())).To(Succeed())
	}
})
