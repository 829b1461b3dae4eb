package devserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/xaenox/sql-assistant/internal/models"
	"github.com/xaenox/sql-assistant/internal/sqlgen"
)

const maxResultRows = 100

// Executor runs a generated statement and returns its rows.
type Executor interface {
	Execute(ctx context.Context, query string) (models.ResultSet, error)
}

// PostgresExecutor runs statements inside a read-only transaction.
type PostgresExecutor struct {
	db *sql.DB
}

func NewPostgresExecutor(db *sql.DB) *PostgresExecutor {
	return &PostgresExecutor{db: db}
}

func (e *PostgresExecutor) Execute(ctx context.Context, query string) (models.ResultSet, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return models.ResultSet{}, errors.Wrap(err, "cannot start read-only transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return models.ResultSet{}, errors.Wrap(err, "query failed")
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return models.ResultSet{}, errors.Wrap(err, "cannot read columns")
	}

	rs := models.ResultSet{Columns: columns, Results: []map[string]any{}}
	for rows.Next() && len(rs.Results) < maxResultRows {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return models.ResultSet{}, errors.Wrap(err, "cannot scan row")
		}
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			row[c] = normalize(values[i])
		}
		rs.Results = append(rs.Results, row)
	}
	if err := rows.Err(); err != nil {
		return models.ResultSet{}, errors.Wrap(err, "cannot iterate rows")
	}
	rs.RowCount = len(rs.Results)
	rs.Success = true
	return rs, nil
}

// normalize turns driver values into something that encodes sensibly as JSON.
func normalize(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// StaticExecutor answers a fixed set of statements from canned rows. It lets
// the development backend run without a database.
type StaticExecutor struct {
	datasets map[string]models.ResultSet
}

func NewStaticExecutor(datasets map[string]models.ResultSet) *StaticExecutor {
	norm := make(map[string]models.ResultSet, len(datasets))
	for q, rs := range datasets {
		norm[normalizeSQL(q)] = rs
	}
	return &StaticExecutor{datasets: norm}
}

func (e *StaticExecutor) Execute(ctx context.Context, query string) (models.ResultSet, error) {
	rs, ok := e.datasets[normalizeSQL(query)]
	if !ok {
		return models.ResultSet{}, fmt.Errorf("no sample data for query %q", query)
	}
	rs.RowCount = len(rs.Results)
	rs.Success = true
	return rs, nil
}

func normalizeSQL(q string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSuffix(strings.TrimSpace(q), ";")), " "))
}

// SampleDatasets backs every statement the keyword generator can produce.
func SampleDatasets() map[string]models.ResultSet {
	return map[string]models.ResultSet{
		sqlgen.SQLAvailableVehicles: {
			Columns: []string{"available_vehicles"},
			Results: []map[string]any{{"available_vehicles": 2}},
		},
		sqlgen.SQLVehiclesByType: {
			Columns: []string{"type", "vehicles"},
			Results: []map[string]any{
				{"type": "truck", "vehicles": 3},
				{"type": "van", "vehicles": 2},
				{"type": "car", "vehicles": 1},
			},
		},
		sqlgen.SQLListVehicles: {
			Columns: []string{"id", "plate", "type", "status"},
			Results: []map[string]any{
				{"id": 1, "plate": "KA-01-1001", "type": "truck", "status": 1},
				{"id": 2, "plate": "KA-01-1002", "type": "truck", "status": 0},
				{"id": 3, "plate": "KA-01-1003", "type": "van", "status": 1},
				{"id": 4, "plate": "KA-01-1004", "type": "truck", "status": 0},
				{"id": 5, "plate": "KA-01-1005", "type": "van", "status": 0},
				{"id": 6, "plate": "KA-01-1006", "type": "car", "status": 0},
			},
		},
		sqlgen.SQLActiveDrivers: {
			Columns: []string{"id", "name"},
			Results: []map[string]any{
				{"id": 3, "name": "Anita"},
				{"id": 1, "name": "Ravi"},
			},
		},
		sqlgen.SQLDistanceByVehicle: {
			Columns: []string{"vehicle_id", "total_km"},
			Results: []map[string]any{
				{"vehicle_id": 1, "total_km": 1520.5},
				{"vehicle_id": 3, "total_km": 870},
				{"vehicle_id": 2, "total_km": nil},
			},
		},
	}
}
