// Package sqlgen turns natural-language questions into SQL for the
// development backend.
package sqlgen

import (
	"context"
	"errors"
	"strings"
)

// ErrUntranslatable is returned when no SQL could be produced for a question.
var ErrUntranslatable = errors.New("could not translate the question into SQL")

// Query is a generated statement plus follow-up questions to offer the user.
type Query struct {
	SQL         string   `json:"sql"`
	Suggestions []string `json:"suggestions"`
}

type Generator interface {
	Generate(ctx context.Context, question string) (Query, error)
}

// Canned statements of the fleet demo schema.
const (
	SQLAvailableVehicles = "SELECT COUNT(id) AS available_vehicles FROM vehicle_details WHERE status = 1"
	SQLVehiclesByType    = "SELECT type, COUNT(id) AS vehicles FROM vehicle_details GROUP BY type ORDER BY vehicles DESC"
	SQLListVehicles      = "SELECT id, plate, type, status FROM vehicle_details ORDER BY id LIMIT 100"
	SQLActiveDrivers     = "SELECT id, name FROM drivers WHERE active ORDER BY name LIMIT 100"
	SQLDistanceByVehicle = "SELECT vehicle_id, SUM(distance_km) AS total_km FROM trips GROUP BY vehicle_id ORDER BY total_km DESC LIMIT 100"
)

// Schema is the table layout handed to language models.
const Schema = `vehicle_details(id integer, plate text, type text, status integer) -- status 1 = available
drivers(id integer, name text, active boolean)
trips(id integer, vehicle_id integer, driver_id integer, distance_km numeric, started_at timestamp)`

type rule struct {
	all         []string
	any         []string
	sql         string
	suggestions []string
}

func (r rule) match(q string) bool {
	for _, w := range r.all {
		if !strings.Contains(q, w) {
			return false
		}
	}
	if len(r.any) == 0 {
		return true
	}
	for _, w := range r.any {
		if strings.Contains(q, w) {
			return true
		}
	}
	return false
}

// KeywordGenerator maps questions to canned statements by keyword. It never
// calls out and serves as the fallback when no model is configured.
type KeywordGenerator struct {
	rules []rule
}

func NewKeywordGenerator() *KeywordGenerator {
	return &KeywordGenerator{rules: []rule{
		{
			all:         []string{"available"},
			any:         []string{"vehicle", "truck", "car", "fleet"},
			sql:         SQLAvailableVehicles,
			suggestions: []string{"How many vehicles do we have per type?", "List all vehicles"},
		},
		{
			all:         []string{"type"},
			any:         []string{"vehicle", "truck", "car", "fleet"},
			sql:         SQLVehiclesByType,
			suggestions: []string{"How many vehicles are available?"},
		},
		{
			any:         []string{"driver"},
			sql:         SQLActiveDrivers,
			suggestions: []string{"Which vehicles drove the most kilometres?"},
		},
		{
			any:         []string{"distance", "kilomet", " km", "trip", "drove"},
			sql:         SQLDistanceByVehicle,
			suggestions: []string{"Who are our active drivers?"},
		},
		{
			any:         []string{"vehicle", "truck", "car", "fleet"},
			sql:         SQLListVehicles,
			suggestions: []string{"How many vehicles are available?", "How many vehicles do we have per type?"},
		},
	}}
}

func (g *KeywordGenerator) Generate(ctx context.Context, question string) (Query, error) {
	q := strings.ToLower(question)
	for _, r := range g.rules {
		if r.match(q) {
			return Query{SQL: r.sql, Suggestions: r.suggestions}, nil
		}
	}
	return Query{}, ErrUntranslatable
}
