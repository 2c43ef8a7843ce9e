package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/codingwatching/fmc/internal/vec"
)

// MariaPositionRepo — долговременный репозиторий позиций в MariaDB/MySQL.
// Горячий путь обслуживает Redis; сюда позиции попадают автосейвом и при
// выходе сущности из мира.
type MariaPositionRepo struct {
	db *sql.DB
}

// NewMariaPositionRepo подключается к MariaDB и создаёт таблицу позиций.
// DSN в формате user:pass@tcp(host:port)/dbname.
func NewMariaPositionRepo(dsn string) (*MariaPositionRepo, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("подключение к MariaDB: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("проверка соединения с MariaDB: %w", err)
	}

	repo := &MariaPositionRepo{db: db}
	if err := repo.createTable(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *MariaPositionRepo) createTable() error {
	query := `
		CREATE TABLE IF NOT EXISTS entity_positions (
			entity_id  CHAR(36)  PRIMARY KEY,
			x          DOUBLE    NOT NULL,
			y          DOUBLE    NOT NULL,
			z          DOUBLE    NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			           ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_updated_at (updated_at)
		) ENGINE=InnoDB
	`
	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("создание таблицы entity_positions: %w", err)
	}
	return nil
}

// Save записывает позицию через INSERT ... ON DUPLICATE KEY UPDATE
func (r *MariaPositionRepo) Save(ctx context.Context, id uuid.UUID, pos vec.Vec3Float) error {
	if id == uuid.Nil {
		return errors.New("нулевой UUID сущности")
	}

	query := `
		INSERT INTO entity_positions (entity_id, x, y, z)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			x = VALUES(x),
			y = VALUES(y),
			z = VALUES(z),
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := r.db.ExecContext(ctx, query, id.String(), pos.X, pos.Y, pos.Z); err != nil {
		return fmt.Errorf("сохранение позиции %s: %w", id, err)
	}
	return nil
}

// Load читает позицию; (ноль, false, nil) для первого входа
func (r *MariaPositionRepo) Load(ctx context.Context, id uuid.UUID) (vec.Vec3Float, bool, error) {
	if id == uuid.Nil {
		return vec.Vec3Float{}, false, errors.New("нулевой UUID сущности")
	}

	var pos vec.Vec3Float
	query := `SELECT x, y, z FROM entity_positions WHERE entity_id = ?`
	err := r.db.QueryRowContext(ctx, query, id.String()).Scan(&pos.X, &pos.Y, &pos.Z)
	if errors.Is(err, sql.ErrNoRows) {
		return vec.Vec3Float{}, false, nil
	}
	if err != nil {
		return vec.Vec3Float{}, false, fmt.Errorf("загрузка позиции %s: %w", id, err)
	}
	return pos, true, nil
}

// Delete удаляет сохранённую позицию
func (r *MariaPositionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM entity_positions WHERE entity_id = ?`
	if _, err := r.db.ExecContext(ctx, query, id.String()); err != nil {
		return fmt.Errorf("удаление позиции %s: %w", id, err)
	}
	return nil
}

// BatchSave пишет все позиции одним multi-row INSERT в транзакции
func (r *MariaPositionRepo) BatchSave(ctx context.Context, positions map[uuid.UUID]vec.Vec3Float) error {
	if len(positions) == 0 {
		return nil
	}

	placeholders := make([]string, 0, len(positions))
	args := make([]interface{}, 0, len(positions)*4)
	for id, pos := range positions {
		placeholders = append(placeholders, "(?, ?, ?, ?)")
		args = append(args, id.String(), pos.X, pos.Y, pos.Z)
	}

	query := `
		INSERT INTO entity_positions (entity_id, x, y, z)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON DUPLICATE KEY UPDATE
			x = VALUES(x),
			y = VALUES(y),
			z = VALUES(z),
			updated_at = CURRENT_TIMESTAMP
	`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("начало транзакции: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("batch-запись позиций: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("фиксация транзакции: %w", err)
	}
	return nil
}

// Close закрывает подключение к базе
func (r *MariaPositionRepo) Close() error {
	return r.db.Close()
}
