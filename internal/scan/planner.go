// Package scan turns a PLC's configured datapoint set into an ordered tag
// list and a minimal set of contiguous register blocks to read, and decodes
// raw register words into snapshot values.
package scan

import (
	"math"
	"sort"

	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/snapshot"
)

// TagSpec is one datapoint flattened for polling. ReadOffset differs from
// BaseOffset only for REAL tags, which historically read one register past
// the configured address (config.Polling.RealExtraOffset).
type TagSpec struct {
	Path         []string // owner path below the PLC root
	Label        string
	DatapointID  int64
	Type         model.PointType
	Configured4x int
	BaseOffset   int
	ReadOffset   int
	Length       int
	Point        model.DataPoint
}

// Block is a contiguous register range covered by one FC3 read.
type Block struct {
	Start int
	Count int
}

// End returns the first offset past the block.
func (b Block) End() int { return b.Start + b.Count }

// Plan is the cached per-PLC poll plan.
type Plan struct {
	Tags   []TagSpec
	Blocks []Block
}

// Planner builds poll plans with the configured block bounds.
type Planner struct {
	cfg config.PollingConfig
}

func NewPlanner(cfg config.PollingConfig) *Planner {
	return &Planner{cfg: cfg}
}

// PlanFor flattens a PLC tree into tag specs and groups them into read
// blocks.
func (p *Planner) PlanFor(tree *model.PLCTree) *Plan {
	specs := p.Flatten(tree)
	return &Plan{
		Tags:   specs,
		Blocks: BuildBlocks(specs, p.cfg.MaxBlockRegs, p.cfg.MaxGapRegs),
	}
}

// Flatten produces the ordered tag spec list for every datapoint owned by
// the PLC and its descendants.
func (p *Planner) Flatten(tree *model.PLCTree) []TagSpec {
	owned := tree.AllDataPoints()
	specs := make([]TagSpec, 0, len(owned))
	for _, o := range owned {
		dp := o.DataPoint
		base := model.RegisterOffset(dp.Address)
		length := 1
		read := base
		if dp.Type == model.TypeReal {
			length = 2
			read = base + p.cfg.RealExtraOffset
		}
		specs = append(specs, TagSpec{
			Path:         o.Path,
			Label:        dp.Label,
			DatapointID:  dp.ID,
			Type:         dp.Type,
			Configured4x: dp.Address,
			BaseOffset:   base,
			ReadOffset:   read,
			Length:       length,
			Point:        dp,
		})
	}
	sort.SliceStable(specs, func(i, j int) bool {
		if specs[i].ReadOffset != specs[j].ReadOffset {
			return specs[i].ReadOffset < specs[j].ReadOffset
		}
		return specs[i].Length < specs[j].Length
	})
	return specs
}

// BuildBlocks groups sorted tag specs into read blocks. A block absorbs the
// next tag while the register gap stays within maxGap and the resulting size
// within maxBlock.
func BuildBlocks(specs []TagSpec, maxBlock, maxGap int) []Block {
	var blocks []Block
	var cur *Block
	for _, spec := range specs {
		if spec.ReadOffset < 0 {
			continue // misconfigured address below 40001
		}
		end := spec.ReadOffset + spec.Length
		if cur == nil {
			blocks = append(blocks, Block{Start: spec.ReadOffset, Count: spec.Length})
			cur = &blocks[len(blocks)-1]
			continue
		}
		gap := spec.ReadOffset - cur.End()
		newCount := end - cur.Start
		if spec.ReadOffset <= cur.End() {
			// Overlapping or adjacent tag: extend if it grows the block.
			if newCount > cur.Count && newCount <= maxBlock {
				cur.Count = newCount
				continue
			}
			if newCount <= cur.Count {
				continue
			}
		} else if gap <= maxGap && newCount <= maxBlock {
			cur.Count = newCount
			continue
		}
		blocks = append(blocks, Block{Start: spec.ReadOffset, Count: spec.Length})
		cur = &blocks[len(blocks)-1]
	}
	return blocks
}

// Decode turns the raw words of one tag into its snapshot value. words must
// hold spec.Length registers read from spec.ReadOffset.
func Decode(spec TagSpec, words []uint16) snapshot.Value {
	switch spec.Type {
	case model.TypeReal:
		raw := math.Float32frombits(uint32(words[0])<<16 | uint32(words[1]))
		value := rescale(float64(raw), spec.Point)
		mult := spec.Point.Multiplier
		if mult == 0 {
			mult = 1.0
		}
		return snapshot.RealValue{
			ID:       spec.DatapointID,
			Register: spec.Configured4x,
			Raw:      float64(raw),
			Scaled:   value * mult,
		}
	case model.TypeDigital:
		word := words[0]
		bits := make(map[int]snapshot.Bit, 16)
		for i := 0; i < 16; i++ {
			label, _ := spec.Point.BitLabel(i)
			bits[i] = snapshot.Bit{Label: label, Set: word&(1<<uint(i)) != 0}
		}
		return snapshot.DigitalValue{
			ID:       spec.DatapointID,
			Register: spec.Configured4x,
			Word:     word,
			Bits:     bits,
		}
	default: // INTEGER
		return snapshot.IntValue{
			ID:       spec.DatapointID,
			Register: spec.Configured4x,
			Value:    words[0],
		}
	}
}

// rescale applies the optional linear raw→engineering mapping. Identity
// unless all four bounds are configured and the raw span is nonzero.
func rescale(v float64, dp model.DataPoint) float64 {
	if dp.RawZero == nil || dp.RawFull == nil || dp.EngZero == nil || dp.EngFull == nil {
		return v
	}
	rawSpan := *dp.RawFull - *dp.RawZero
	if rawSpan == 0 {
		return v
	}
	return *dp.EngZero + (v-*dp.RawZero)*(*dp.EngFull-*dp.EngZero)/rawSpan
}
