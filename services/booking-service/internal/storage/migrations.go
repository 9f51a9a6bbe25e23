package storage

import "embed"

// Migrations holds the goose SQL files for the booking schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"
