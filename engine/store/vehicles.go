// Package store persists the catalogue's vehicles and customer leads in
// Neo4j. Vehicles form a Make -> Model -> Variant hierarchy whose variants
// link to the tyre sizes they fit.
package store

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/WessleyAI/tyrefit/engine/domain"
	"github.com/WessleyAI/tyrefit/pkg/fn"
	"github.com/WessleyAI/tyrefit/pkg/repo"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/shopspring/decimal"
)

const batchSize = 500

const saveVehiclesCypher = `UNWIND $rows AS row
MERGE (mk:Make {id: row.make_id}) SET mk.name = row.make
MERGE (md:VehicleModel {id: row.model_id}) SET md.name = row.model, md.make_id = row.make_id
MERGE (mk)-[:HAS_MODEL]->(md)
MERGE (v:Variant {id: row.id})
SET v.make = row.make, v.model = row.model, v.name = row.variant,
    v.vehicle_type = row.vehicle_type, v.fuel_type = row.fuel_type, v.price = row.price,
    v.front_tyre_size = row.front, v.rear_tyre_size = row.rear
MERGE (md)-[:HAS_VARIANT]->(v)
MERGE (fs:TyreSize {size: row.front})
MERGE (v)-[:FITS {position: 'front'}]->(fs)
MERGE (rs:TyreSize {size: row.rear})
MERGE (v)-[:FITS {position: 'rear'}]->(rs)`

const findVehiclesCypher = `MATCH (:Make {id: $make_id})-[:HAS_MODEL]->(md:VehicleModel)-[:HAS_VARIANT]->(v:Variant)
WHERE $model_id = '' OR md.id = $model_id
RETURN v.make AS make, v.model AS model, v.name AS variant, v.vehicle_type AS vehicle_type,
       v.fuel_type AS fuel_type, v.price AS price, v.front_tyre_size AS front, v.rear_tyre_size AS rear
ORDER BY md.name, v.name
LIMIT $limit`

// VehicleStore mirrors catalogue vehicles into the graph.
type VehicleStore struct {
	sessions repo.SessionFunc
	logger   *slog.Logger
}

// NewVehicleStore creates a store on driver.
func NewVehicleStore(driver neo4j.DriverWithContext, logger *slog.Logger) *VehicleStore {
	return NewVehicleStoreWithSessions(repo.DriverSessions(driver), logger)
}

// NewVehicleStoreWithSessions creates a store on an explicit session factory.
func NewVehicleStoreWithSessions(f repo.SessionFunc, logger *slog.Logger) *VehicleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &VehicleStore{sessions: f, logger: logger}
}

func variantID(s domain.VehicleSpec) string {
	return s.Key().String() + "|" + domain.FoldText(s.FuelType) + "|" + domain.FoldText(s.VehicleType)
}

func vehicleRow(s domain.VehicleSpec) map[string]any {
	k := s.Key()
	return map[string]any{
		"id":           variantID(s),
		"make_id":      k.Make,
		"model_id":     k.Make + "|" + k.Model,
		"make":         s.Make,
		"model":        s.Model,
		"variant":      s.Variant,
		"vehicle_type": s.VehicleType,
		"fuel_type":    s.FuelType,
		"price":        s.Price.String(),
		"front":        s.FrontTyreSize,
		"rear":         s.RearTyreSize,
	}
}

// SaveVehicle merges one vehicle and its hierarchy.
func (s *VehicleStore) SaveVehicle(ctx context.Context, spec domain.VehicleSpec) error {
	return s.run(ctx, []map[string]any{vehicleRow(spec)})
}

// SaveAll merges every vehicle in batches and returns how many were written.
func (s *VehicleStore) SaveAll(ctx context.Context, specs iter.Seq[domain.VehicleSpec]) (int, error) {
	rows := fn.Map(slices.Collect(specs), vehicleRow)
	written := 0
	for _, batch := range fn.Chunk(rows, batchSize) {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if err := s.run(ctx, batch); err != nil {
			return written, fmt.Errorf("store: save vehicles: %w", err)
		}
		written += len(batch)
		s.logger.Debug("vehicle batch saved", "rows", len(batch), "total", written)
	}
	s.logger.Info("vehicles saved", "count", written)
	return written, nil
}

func (s *VehicleStore) run(ctx context.Context, rows []map[string]any) error {
	sess := s.sessions(ctx)
	defer sess.Close(ctx)
	_, err := sess.Run(ctx, saveVehiclesCypher, map[string]any{"rows": rows})
	return err
}

// FindVehicles lists the variants of a make, optionally restricted to one
// model. Names are matched after folding.
func (s *VehicleStore) FindVehicles(ctx context.Context, makeName, model string, limit int) ([]domain.VehicleSpec, error) {
	if limit <= 0 {
		limit = 100
	}
	modelID := ""
	if domain.FoldText(model) != "" {
		modelID = domain.FoldText(makeName) + "|" + domain.FoldText(model)
	}
	sess := s.sessions(ctx)
	defer sess.Close(ctx)

	result, err := sess.Run(ctx, findVehiclesCypher, map[string]any{
		"make_id":  domain.FoldText(makeName),
		"model_id": modelID,
		"limit":    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("store: find vehicles: %w", err)
	}
	var out []domain.VehicleSpec
	for result.Next(ctx) {
		spec, err := specFromRecord(result.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func specFromRecord(rec *neo4j.Record) (domain.VehicleSpec, error) {
	str := func(key string) string {
		v, _ := rec.Get(key)
		s, _ := v.(string)
		return s
	}
	price, err := decimal.NewFromString(str("price"))
	if err != nil {
		price = decimal.Zero
	}
	spec := domain.VehicleSpec{
		Make:          str("make"),
		Model:         str("model"),
		Variant:       str("variant"),
		VehicleType:   str("vehicle_type"),
		FuelType:      str("fuel_type"),
		Price:         price,
		FrontTyreSize: str("front"),
		RearTyreSize:  str("rear"),
	}
	if spec.Make == "" || spec.FrontTyreSize == "" {
		return domain.VehicleSpec{}, fmt.Errorf("store: incomplete vehicle record %v", rec.Values)
	}
	return spec, nil
}
