package resource

import (
	"encoding/json"

	"github.com/google/btree"
)

const inventoryDegree = 32

// Inventory is the merged, de-duplicated set of records keyed by ID.
// Records are kept in ascending ID order so iteration and encoding are
// deterministic. Not safe for concurrent mutation.
type Inventory struct {
	tree *btree.BTreeG[Record]
}

// NewInventory creates an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{
		tree: btree.NewG[Record](inventoryDegree, func(a, b Record) bool {
			return a.ID < b.ID
		}),
	}
}

// Put stores r, replacing any record with the same ID.
// Returns the replaced record and whether one existed.
func (inv *Inventory) Put(r Record) (Record, bool) {
	return inv.tree.ReplaceOrInsert(r)
}

// Get returns the record with the given ID.
func (inv *Inventory) Get(id string) (Record, bool) {
	return inv.tree.Get(Record{ID: id})
}

// Len returns the number of records.
func (inv *Inventory) Len() int {
	return inv.tree.Len()
}

// Ascend calls fn for each record in ID order until fn returns false.
func (inv *Inventory) Ascend(fn func(Record) bool) {
	inv.tree.Ascend(fn)
}

// Records returns all records in ID order.
func (inv *Inventory) Records() []Record {
	out := make([]Record, 0, inv.tree.Len())
	inv.tree.Ascend(func(r Record) bool {
		out = append(out, r)
		return true
	})
	return out
}

// CountByRegion returns how many records each region holds.
func (inv *Inventory) CountByRegion() map[string]int {
	counts := make(map[string]int)
	inv.tree.Ascend(func(r Record) bool {
		counts[r.Region]++
		return true
	})
	return counts
}

// inventoryDocument is the published object layout.
type inventoryDocument struct {
	ResourceCount int      `json:"resource_count"`
	Resources     []Record `json:"resources"`
}

// MarshalJSON encodes the inventory in ID order. encoding/json sorts
// map keys, so equal inventories encode to equal bytes.
func (inv *Inventory) MarshalJSON() ([]byte, error) {
	return json.Marshal(inventoryDocument{
		ResourceCount: inv.Len(),
		Resources:     inv.Records(),
	})
}

// UnmarshalJSON decodes a published inventory document.
func (inv *Inventory) UnmarshalJSON(data []byte) error {
	var doc inventoryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if inv.tree == nil {
		*inv = *NewInventory()
	}
	for _, r := range doc.Resources {
		inv.Put(r)
	}
	return nil
}
