package contest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mcdev12/courtside/go/internal/models"
)

// Seed is the JSON snapshot used to populate a store for development.
type Seed struct {
	Contests []models.Contest   `json:"contests"`
	Scorers  []models.Scorer    `json:"scorers"`
	Events   []models.GameEvent `json:"events"`
}

// ReadSeed loads a seed snapshot from path.
func ReadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	for i, c := range seed.Contests {
		if c.ID == "" || c.OwnerID == "" {
			return nil, fmt.Errorf("seed contest %d: id and ownerId are required", i)
		}
	}
	return &seed, nil
}

// Load copies every contest, scorer and event of the seed into the store.
func (m *MemoryRepository) Load(seed *Seed) {
	for _, c := range seed.Contests {
		c.Scorers = nil
		c.RecentEvents = nil
		m.PutContest(c)
	}
	for _, s := range seed.Scorers {
		m.AddScorer(s)
	}
	for _, e := range seed.Events {
		m.AddEvent(e)
	}
}
