package db

import (
	"context"
	"fmt"
	"os"

	"github.com/ssuji15/codemod-run/internal/db"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// SetupContainer starts postgres, connects a pool and applies the archive schema.
func SetupContainer(ctx context.Context) (testcontainers.Container, *db.DB, string) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "codemod",
			"POSTGRES_PASSWORD": "codemod123",
			"POSTGRES_DB":       "codemod",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		panic(err)
	}

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")

	url := fmt.Sprintf(
		"postgres://codemod:codemod123@%s:%s/codemod?sslmode=disable",
		host,
		port.Port(),
	)

	os.Setenv("POSTGRES_URL", url)

	d, err := db.New(ctx)
	if err != nil {
		panic(err)
	}
	if err := db.ApplySchema(ctx, d.Pool); err != nil {
		panic(err)
	}
	return container, d, url
}
