// Package migrations управляет схемой PostgreSQL биллинга через goose.
// SQL миграции встроены в бинарник и применяются на старте сервиса.
package migrations

import (
	"database/sql"
	"embed"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

//go:embed sql/*.sql
var embedded embed.FS

// Run применяет все pending миграции к базе по DSN.
func Run(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return core.Wrap(err, core.ErrStorage, "failed to open database for migrations")
	}
	defer db.Close()

	goose.SetBaseFS(embedded)
	if err := goose.SetDialect("postgres"); err != nil {
		return core.Wrap(err, core.ErrStorage, "failed to set goose dialect")
	}
	if err := goose.Up(db, "sql"); err != nil {
		return core.Wrap(err, core.ErrStorage, "failed to run migrations")
	}
	return nil
}
