package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kjstillabower/city-geo-service/internal/models"
	"github.com/kjstillabower/city-geo-service/internal/observability"
)

var _ Store = (*PostgresStore)(nil)

const (
	citiesTable = "cities"

	pgUniqueViolation = "23505"
	pgStringTooLong   = "22001"
	coordinateBitSize = 64
)

var cityColumns = []string{"name", "latitude", "longitude"}

// DB is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore keeps cities in the cities table. Coordinates are stored as text columns.
type PostgresStore struct {
	db   DB
	psql sq.StatementBuilderType
}

// NewPostgresStore wraps a pool (or any DB).
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{
		db:   db,
		psql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func startSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	return otel.Tracer("CityStore").Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("db.sql.table", citiesTable),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil && !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrConflict) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Create inserts city; the UNIQUE constraint on name decides races.
func (s *PostgresStore) Create(ctx context.Context, city models.City) (_ models.City, err error) {
	ctx, span := startSpan(ctx, "Create", "INSERT")
	start := time.Now()
	defer func() {
		observability.ObserveStoreOperation("create", start, err)
		endSpan(span, err)
	}()
	span.SetAttributes(attribute.String("city.name", city.Name))

	query, args, err := s.psql.Insert(citiesTable).
		Columns(cityColumns...).
		Values(city.Name, formatCoordinate(city.Latitude), formatCoordinate(city.Longitude)).
		Suffix("RETURNING name, latitude, longitude").
		ToSql()
	if err != nil {
		return models.City{}, fmt.Errorf("build insert: %w", err)
	}

	created, err := scanCity(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgUniqueViolation:
				return models.City{}, fmt.Errorf("city %q: %w", city.Name, models.ErrConflict)
			case pgStringTooLong:
				return models.City{}, fmt.Errorf("city %q: %w: value too long", city.Name, models.ErrValidation)
			}
		}
		return models.City{}, fmt.Errorf("insert city: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetByName(ctx context.Context, name string) (_ models.City, err error) {
	ctx, span := startSpan(ctx, "GetByName", "SELECT")
	start := time.Now()
	defer func() {
		observability.ObserveStoreOperation("get", start, err)
		endSpan(span, err)
	}()

	query, args, err := s.psql.Select(cityColumns...).
		From(citiesTable).
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return models.City{}, fmt.Errorf("build select: %w", err)
	}

	city, err := scanCity(s.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.City{}, fmt.Errorf("city %q: %w", name, models.ErrNotFound)
		}
		return models.City{}, fmt.Errorf("select city: %w", err)
	}
	return city, nil
}

// List returns all cities ordered by insertion (serial id).
func (s *PostgresStore) List(ctx context.Context) (_ []models.City, err error) {
	ctx, span := startSpan(ctx, "List", "SELECT")
	start := time.Now()
	defer func() {
		observability.ObserveStoreOperation("list", start, err)
		endSpan(span, err)
	}()

	query, args, err := s.psql.Select(cityColumns...).
		From(citiesTable).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cities: %w", err)
	}
	defer rows.Close()

	cities := make([]models.City, 0)
	for rows.Next() {
		city, err := scanCity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan city: %w", err)
		}
		cities = append(cities, city)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cities: %w", err)
	}
	span.SetAttributes(attribute.Int("db.rows", len(cities)))
	return cities, nil
}

func (s *PostgresStore) DeleteByName(ctx context.Context, name string) (err error) {
	ctx, span := startSpan(ctx, "DeleteByName", "DELETE")
	start := time.Now()
	defer func() {
		observability.ObserveStoreOperation("delete", start, err)
		endSpan(span, err)
	}()

	query, args, err := s.psql.Delete(citiesTable).
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete city: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("city %q: %w", name, models.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanCity(row pgx.Row) (models.City, error) {
	var name, lat, lon string
	if err := row.Scan(&name, &lat, &lon); err != nil {
		return models.City{}, err
	}
	latitude, err := strconv.ParseFloat(lat, coordinateBitSize)
	if err != nil {
		return models.City{}, fmt.Errorf("city %q: bad latitude %q: %w", name, lat, err)
	}
	longitude, err := strconv.ParseFloat(lon, coordinateBitSize)
	if err != nil {
		return models.City{}, fmt.Errorf("city %q: bad longitude %q: %w", name, lon, err)
	}
	return models.City{Name: name, Latitude: latitude, Longitude: longitude}, nil
}

func formatCoordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, coordinateBitSize)
}
