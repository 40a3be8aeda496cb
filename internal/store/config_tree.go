package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gridpoint/plantgateway/internal/model"
)

// DatapointQuery is a scoped legacy-label lookup. ID wins when set; otherwise
// Label is resolved within PLCName and, when given, the owner scope.
type DatapointQuery struct {
	ID        int64
	Label     string
	PLCName   string
	OwnerKind model.OwnerKind
	OwnerID   int64
}

// LoadTree resolves the full configuration tree: every PLC with its
// containers, equipment and datapoints (bits included).
func (p *Postgres) LoadTree(ctx context.Context) ([]*model.PLCTree, error) {
	plcs, err := p.loadPLCs(ctx)
	if err != nil {
		return nil, err
	}
	points, err := p.loadDataPoints(ctx)
	if err != nil {
		return nil, err
	}
	byOwner := map[model.Owner][]model.DataPoint{}
	for _, dp := range points {
		owner := model.Owner{Kind: dp.OwnerKind, ID: dp.OwnerID}
		byOwner[owner] = append(byOwner[owner], dp)
	}

	var trees []*model.PLCTree
	for _, plc := range plcs {
		tree := &model.PLCTree{PLC: plc}
		tree.DataPoints = byOwner[model.Owner{Kind: model.OwnerPLC, ID: plc.ID}]

		containers, err := p.loadContainers(ctx, plc.ID)
		if err != nil {
			return nil, err
		}
		for _, cont := range containers {
			ct := model.ContainerTree{Container: cont}
			ct.DataPoints = byOwner[model.Owner{Kind: model.OwnerContainer, ID: cont.ID}]

			equipment, err := p.loadEquipment(ctx, cont.ID)
			if err != nil {
				return nil, err
			}
			for _, eq := range equipment {
				ct.Equipment = append(ct.Equipment, model.EquipmentTree{
					Equipment:  eq,
					DataPoints: byOwner[model.Owner{Kind: model.OwnerEquipment, ID: eq.ID}],
				})
			}
			tree.Containers = append(tree.Containers, ct)
		}
		trees = append(trees, tree)
	}
	return trees, nil
}

// LoadIndex builds the edge-map index from the current tree.
func (p *Postgres) LoadIndex(ctx context.Context) (*model.TreeIndex, error) {
	trees, err := p.LoadTree(ctx)
	if err != nil {
		return nil, err
	}
	return model.NewTreeIndex(trees), nil
}

// ResolveDatapoint loads one datapoint (with bits) by id.
func (p *Postgres) ResolveDatapoint(ctx context.Context, id int64) (*model.DataPoint, error) {
	row := p.db.QueryRowContext(ctx, selectDataPoint+` WHERE dp.id = $1`, id)
	dp, err := scanDataPoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("datapoint %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := p.attachBits(ctx, dp); err != nil {
		return nil, err
	}
	return dp, nil
}

// FindDatapoint resolves a datapoint by id or by scoped legacy label. An
// unscoped or under-scoped label matching several rows fails with
// AmbiguousDatapointError listing the candidates.
func (p *Postgres) FindDatapoint(ctx context.Context, q DatapointQuery) (*model.DataPoint, error) {
	if q.ID != 0 {
		return p.ResolveDatapoint(ctx, q.ID)
	}
	if q.Label == "" {
		return nil, &model.ValidationError{Field: "datapoint", Reason: "id or label required"}
	}

	idx, err := p.LoadIndex(ctx)
	if err != nil {
		return nil, err
	}
	plcID, ok := idx.PLCIDByName[q.PLCName]
	if !ok {
		return nil, fmt.Errorf("plc %q: %w", q.PLCName, ErrNotFound)
	}

	var candidates []int64
	for dpID, label := range idx.DatapointLabel {
		if label != q.Label {
			continue
		}
		if owner := idx.DatapointOwner[dpID]; q.OwnerKind != "" && (owner.Kind != q.OwnerKind || owner.ID != q.OwnerID) {
			continue
		}
		if dpPLC, ok := idx.PLCOfDatapoint(dpID); !ok || dpPLC != plcID {
			continue
		}
		candidates = append(candidates, dpID)
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("datapoint %q on plc %q: %w", q.Label, q.PLCName, ErrNotFound)
	case 1:
		return p.ResolveDatapoint(ctx, candidates[0])
	default:
		return nil, &AmbiguousDatapointError{Label: q.Label, Candidates: candidates}
	}
}

// ----------------------------------------------------------------------------
// row helpers

const selectDataPoint = `SELECT dp.id, dp.owner_kind, dp.owner_id, dp.label, dp.description,
	dp.category, dp.type, dp.address, dp.multiplier, dp.grp, dp.class, dp.unit,
	dp.raw_zero, dp.raw_full, dp.eng_zero, dp.eng_full
	FROM cfg_data_point dp`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDataPoint(row rowScanner) (*model.DataPoint, error) {
	var dp model.DataPoint
	err := row.Scan(&dp.ID, &dp.OwnerKind, &dp.OwnerID, &dp.Label, &dp.Description,
		&dp.Category, &dp.Type, &dp.Address, &dp.Multiplier, &dp.Group, &dp.Class, &dp.Unit,
		&dp.RawZero, &dp.RawFull, &dp.EngZero, &dp.EngFull)
	if err != nil {
		return nil, err
	}
	return &dp, nil
}

func (p *Postgres) loadPLCs(ctx context.Context) ([]model.PLC, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, address, port FROM cfg_plc ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.PLC
	for rows.Next() {
		var plc model.PLC
		if err := rows.Scan(&plc.ID, &plc.Name, &plc.Address, &plc.Port); err != nil {
			return nil, err
		}
		out = append(out, plc)
	}
	return out, rows.Err()
}

func (p *Postgres) loadContainers(ctx context.Context, plcID int64) ([]model.Container, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, plc_id, name, type FROM cfg_container WHERE plc_id = $1 ORDER BY name`, plcID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Container
	for rows.Next() {
		var c model.Container
		if err := rows.Scan(&c.ID, &c.PLCID, &c.Name, &c.Type); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) loadEquipment(ctx context.Context, containerID int64) ([]model.Equipment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, container_id, name, type FROM cfg_equipment WHERE container_id = $1 ORDER BY name`, containerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Equipment
	for rows.Next() {
		var e model.Equipment
		if err := rows.Scan(&e.ID, &e.ContainerID, &e.Name, &e.Type); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) loadDataPoints(ctx context.Context) ([]model.DataPoint, error) {
	rows, err := p.db.QueryContext(ctx, selectDataPoint+` ORDER BY dp.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DataPoint
	for rows.Next() {
		dp, err := scanDataPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Attach bits in one pass.
	bitRows, err := p.db.QueryContext(ctx,
		`SELECT id, data_point_id, bit, label FROM cfg_data_point_bit ORDER BY data_point_id, bit`)
	if err != nil {
		return nil, err
	}
	defer bitRows.Close()
	bits := map[int64][]model.DataPointBit{}
	for bitRows.Next() {
		var b model.DataPointBit
		if err := bitRows.Scan(&b.ID, &b.DataPointID, &b.Bit, &b.Label); err != nil {
			return nil, err
		}
		bits[b.DataPointID] = append(bits[b.DataPointID], b)
	}
	if err := bitRows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Bits = bits[out[i].ID]
	}
	return out, nil
}

func (p *Postgres) attachBits(ctx context.Context, dp *model.DataPoint) error {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, data_point_id, bit, label FROM cfg_data_point_bit WHERE data_point_id = $1 ORDER BY bit`, dp.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var b model.DataPointBit
		if err := rows.Scan(&b.ID, &b.DataPointID, &b.Bit, &b.Label); err != nil {
			return err
		}
		dp.Bits = append(dp.Bits, b)
	}
	return rows.Err()
}
