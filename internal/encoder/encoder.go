// Package encoder implements the single pure function that projects an
// agent snapshot, its latest sensor frame, and recent memory context into
// a fixed-width state vector. It is deterministic and total: the same
// input always produces the bit-identical vector, and no input — however
// malformed — causes a panic.
package encoder

import (
	"container/heap"
	"math"
	"sort"

	"github.com/nextlevelbuilder/npcbrain/internal/agenthandle"
	"github.com/nextlevelbuilder/npcbrain/pkg/protocol"
)

// StateDim is the canonical state-vector width for this run. The source
// material disagreed across files (429, 629, 694); this is the one
// chosen value, enforced everywhere via the parameter schema header.
const StateDim = 512

// Hard caps on collection sizes the encoder will ever look at, regardless
// of how many blocks/entities a frame actually carries. These exist to
// eliminate a historically fatal performance cliff when the sensor
// broadcaster floods the encoder with a whole loaded-chunk area.
const (
	MaxBlocks   = 1000
	MaxEntities = 64
)

// Slot layout. Each named width is a contiguous, documented region of the
// output vector. Changing any of these invalidates persisted parameters,
// since PolicyParameters architecture is pinned to StateDim.
const (
	slotPosVelOrient   = 10 // position(3) + velocity(3) + sin/cos(yaw,pitch)(4)
	slotVitals         = 4  // health, food, oxygen(placeholder), xp(placeholder)
	slotInventory      = 128 // hashed item-id histogram, each stack adding min(count/64, 1)
	slotEquipped       = 16 // equipped-item category flags
	slotTimeWeather    = 8  // weather one-hot(4) + loaded-chunk count/64 + padding
	slotBlockCategory  = 64 // nearest-block histogram over known block categories
	slotBlockAggregate = 8  // aggregate block-summary features
	slotBlockDistance  = 1  // normalized distance to nearest relevant block
	slotEntityCategory = 32 // nearby-entity histogram over known entity categories
	slotEntityAux      = 3  // hostile-nearest flag, nearest distance, total count
	slotGoalNeed       = 16 // goal/need channel
	slotMood           = 16 // mood channel
	slotMemoryDigest   = 64 // recent-memory digest
	slotSkill          = 32 // skill vector
	slotMoodle         = 32 // moodle (status effect) bitfield

	slotsSum = slotPosVelOrient + slotVitals + slotInventory + slotEquipped +
		slotTimeWeather + slotBlockCategory + slotBlockAggregate + slotBlockDistance +
		slotEntityCategory + slotEntityAux + slotGoalNeed + slotMood +
		slotMemoryDigest + slotSkill + slotMoodle

	// slotReserved pads the documented slots out to StateDim, reserved for
	// future slot expansion without a schema-breaking width change.
	slotReserved = StateDim - slotsSum
)

// offsets are the starting index of each slot region, computed once.
var (
	offPosVelOrient   = 0
	offVitals         = offPosVelOrient + slotPosVelOrient
	offInventory      = offVitals + slotVitals
	offEquipped       = offInventory + slotInventory
	offTimeWeather    = offEquipped + slotEquipped
	offBlockCategory  = offTimeWeather + slotTimeWeather
	offBlockAggregate = offBlockCategory + slotBlockCategory
	offBlockDistance  = offBlockAggregate + slotBlockAggregate
	offEntityCategory = offBlockDistance + slotBlockDistance
	offEntityAux      = offEntityCategory + slotEntityCategory
	offGoalNeed       = offEntityAux + slotEntityAux
	offMood           = offGoalNeed + slotGoalNeed
	offMemoryDigest   = offMood + slotMood
	offSkill          = offMemoryDigest + slotMemoryDigest
	offMoodle         = offSkill + slotSkill
	offReserved       = offMoodle + slotMoodle
)

// FixedVector is the encoder's output: exactly StateDim finite float64s.
type FixedVector [StateDim]float64

// MemoryContext is the slice of recent memory relevant to one encode
// call, assembled by the orchestrator from the Memory Store before each
// tick so the encoder itself never touches storage.
type MemoryContext struct {
	RecentEpisodicValence []float64 // emotional valence of the most recent episodic events, newest first
	BondedPeersPresent    int       // count of bonded relationship peers within sensor range this tick
	AverageBondStrength   float64
	SkillLevels           []float64 // fixed-order skill proficiency levels, 0..1
}

// blockCategoryIndex maps a block id to one of slotBlockCategory buckets
// via a stable hash, so unknown block ids still land deterministically
// instead of being dropped.
func blockCategoryIndex(id string) int {
	return int(fnv32(id)) % slotBlockCategory
}

func entityCategoryIndex(kind string) int {
	return int(fnv32(kind)) % slotEntityCategory
}

func itemCategoryIndex(id string) int {
	return int(fnv32(id)) % slotInventory
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

type distanced struct {
	dist float64
	id   string
	idx  int
}

func lessDistanced(a, b distanced) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.id < b.id
}

// nearestHeap is a bounded max-heap: its root is always the current
// worst (furthest, or tie-broken highest id) of the items retained so
// far, so a new candidate only needs one comparison against the root to
// decide whether it displaces anything.
type nearestHeap []distanced

func (h nearestHeap) Len() int            { return len(h) }
func (h nearestHeap) Less(i, j int) bool  { return lessDistanced(h[j], h[i]) }
func (h nearestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nearestHeap) Push(x interface{}) { *h = append(*h, x.(distanced)) }
func (h *nearestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Encode deterministically projects the given inputs into a FixedVector.
// It never panics: missing fields contribute their neutral-zero encoding,
// and any value that would be NaN/Inf is clamped to zero before it is
// written into the vector.
func Encode(h *agenthandle.Handle, frame protocol.SensorUpdatePayload, mem MemoryContext) FixedVector {
	var v FixedVector

	encodePosVelOrient(&v, frame)
	encodeVitals(&v, h, frame)
	encodeInventory(&v, frame)
	encodeTimeWeather(&v, frame)
	encodeBlocks(&v, frame)
	encodeEntities(&v, frame)
	encodeGoalNeedMood(&v, h)
	encodeMemoryDigest(&v, mem)
	encodeSkills(&v, mem)

	for i := range v {
		v[i] = clamp(v[i])
	}
	return v
}

func encodePosVelOrient(v *FixedVector, f protocol.SensorUpdatePayload) {
	const scale = 1.0 / 256.0 // agent-relative normalization scale
	v[offPosVelOrient+0] = f.Location.X * scale
	v[offPosVelOrient+1] = f.Location.Y * scale
	v[offPosVelOrient+2] = f.Location.Z * scale
	// velocity is not carried on the wire frame; neutral-zero encoding.
	v[offPosVelOrient+3] = 0
	v[offPosVelOrient+4] = 0
	v[offPosVelOrient+5] = 0
	yaw := f.Location.Yaw * math.Pi / 180
	pitch := f.Location.Pitch * math.Pi / 180
	v[offPosVelOrient+6] = math.Sin(yaw)
	v[offPosVelOrient+7] = math.Cos(yaw)
	v[offPosVelOrient+8] = math.Sin(pitch)
	v[offPosVelOrient+9] = math.Cos(pitch)
}

func encodeVitals(v *FixedVector, h *agenthandle.Handle, f protocol.SensorUpdatePayload) {
	v[offVitals+0] = f.Health / 20.0
	v[offVitals+1] = f.Food / 20.0
	v[offVitals+2] = 0 // oxygen: not on wire frame, neutral-zero
	v[offVitals+3] = 0 // xp: not on wire frame, neutral-zero
}

func encodeInventory(v *FixedVector, f protocol.SensorUpdatePayload) {
	for _, item := range f.Inventory {
		idx := itemCategoryIndex(item.ID)
		weight := float64(item.Count) / 64.0
		if weight > 1 {
			weight = 1
		}
		v[offInventory+idx] += weight
		if item.Slot >= 0 && item.Slot < slotEquipped {
			v[offEquipped+item.Slot%slotEquipped] = 1
		}
	}
}

func encodeTimeWeather(v *FixedVector, f protocol.SensorUpdatePayload) {
	weatherIdx := int(fnv32(f.Weather)) % 4
	v[offTimeWeather+weatherIdx] = 1
	v[offTimeWeather+4] = float64(f.Chunks) / 64.0
}

// encodeBlocks applies the hard N_B cap: only the MaxBlocks nearest
// blocks (by Euclidean distance to the agent), ties broken by id
// ascending, ever contribute to the output — regardless of how many the
// frame actually carries.
func encodeBlocks(v *FixedVector, f protocol.SensorUpdatePayload) {
	if len(f.Blocks) == 0 {
		return
	}
	origin := f.Location
	nearest := topNearest(len(f.Blocks), MaxBlocks, func(i int) distanced {
		return distanced{dist: euclidean(origin, f.Blocks[i].Location), id: f.Blocks[i].ID, idx: i}
	})

	var nearestDist float64 = -1
	for _, it := range nearest {
		b := f.Blocks[it.idx]
		cat := blockCategoryIndex(b.ID)
		v[offBlockCategory+cat]++
		if nearestDist < 0 || it.dist < nearestDist {
			nearestDist = it.dist
		}
	}
	v[offBlockAggregate+0] = float64(len(nearest)) / float64(MaxBlocks)
	if nearestDist >= 0 {
		v[offBlockDistance] = 1.0 / (1.0 + nearestDist)
	}
}

// encodeEntities applies the hard N_E cap: only the MaxEntities nearest
// entities contribute, ties broken by id ascending.
func encodeEntities(v *FixedVector, f protocol.SensorUpdatePayload) {
	if len(f.Entities) == 0 {
		return
	}
	origin := f.Location
	nearest := topNearest(len(f.Entities), MaxEntities, func(i int) distanced {
		return distanced{dist: euclidean(origin, f.Entities[i].Location), id: f.Entities[i].ID, idx: i}
	})

	var nearestDist float64 = -1
	hostileNearest := 0.0
	for i, it := range nearest {
		e := f.Entities[it.idx]
		cat := entityCategoryIndex(e.Type)
		v[offEntityCategory+cat]++
		if nearestDist < 0 || it.dist < nearestDist {
			nearestDist = it.dist
			if i == 0 && e.Hostile {
				hostileNearest = 1
			}
		}
	}
	v[offEntityAux+0] = hostileNearest
	if nearestDist >= 0 {
		v[offEntityAux+1] = 1.0 / (1.0 + nearestDist)
	}
	v[offEntityAux+2] = float64(len(nearest)) / float64(MaxEntities)
}

func encodeGoalNeedMood(v *FixedVector, h *agenthandle.Handle) {
	if h == nil {
		return
	}
	v[offGoalNeed+0] = clamp(h.CumulativeReward / 100.0)
	v[offGoalNeed+1] = float64(h.Generation) / 32.0
	v[offMood+0] = h.Health / 20.0
	v[offMood+1] = h.Food / 20.0
}

func encodeMemoryDigest(v *FixedVector, mem MemoryContext) {
	n := len(mem.RecentEpisodicValence)
	for i := 0; i < n && i < slotMemoryDigest; i++ {
		v[offMemoryDigest+i] = mem.RecentEpisodicValence[i]
	}
	v[offGoalNeed+2] = float64(mem.BondedPeersPresent) / 16.0
	v[offMood+2] = mem.AverageBondStrength
}

func encodeSkills(v *FixedVector, mem MemoryContext) {
	for i := 0; i < len(mem.SkillLevels) && i < slotSkill; i++ {
		v[offSkill+i] = mem.SkillLevels[i]
	}
}

// topNearest returns up to n of the count candidates produced by at,
// sorted by ascending distance, ties broken by id ascending —
// deterministic given the same input. Selection runs a size-n max-heap
// over the candidates once without copying them first, so the cost is
// O(M log n) rather than O(M log M): every candidate past the first n
// costs one distance computation, one comparison against the heap root
// and at most one swap. Work still grows linearly with the frame size
// M, at that small per-candidate cost.
func topNearest(count, n int, at func(i int) distanced) []distanced {
	if n <= 0 {
		return nil
	}

	h := make(nearestHeap, 0, n)
	for i := 0; i < count; i++ {
		it := at(i)
		if len(h) < n {
			heap.Push(&h, it)
			continue
		}
		if lessDistanced(it, h[0]) {
			heap.Pop(&h)
			heap.Push(&h, it)
		}
	}

	out := []distanced(h)
	sort.Slice(out, func(i, j int) bool {
		return lessDistanced(out[i], out[j])
	})
	return out
}

func euclidean(a, b protocol.Location) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func clamp(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if f > 1e6 {
		return 1e6
	}
	if f < -1e6 {
		return -1e6
	}
	return f
}
