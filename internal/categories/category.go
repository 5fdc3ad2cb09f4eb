// Package categories derives spend per budget category for the current
// statement period
package categories

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/baely/monzo/internal/monzo"
)

// StatementDay is the day of the month a statement period starts on
const StatementDay = 28

// Category is a tracked budget category. Target is a monthly budget in major
// units; Amount is the signed minor unit total for the current period.
type Category struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	Target int64  `yaml:"target" json:"target"`
	Amount int64  `yaml:"-" json:"amount"`
}

type trackedFile struct {
	Categories []Category `yaml:"categories"`
}

// DefaultTracked is the built-in list of tracked categories
func DefaultTracked() []Category {
	return []Category{
		{ID: "category_0000AgJVm8aomFv6bdeQrp", Name: "Days Out", Target: 50},
		{ID: "category_0000AqK42MhFy0wyBj8dkI", Name: "Medication", Target: 115},
		{ID: "category_0000AffrfoYAoCtlFwBOb3", Name: "Rowan", Target: 50},
		{ID: "category_0000AfMkAV0f1Efrz82aWX", Name: "Parking", Target: 52},
		{ID: "category_0000AfMkEkgEhLWktFgQp0", Name: "Work", Target: 50},
		{ID: "category_0000Ajn5JWbJo5vXQDm0DB", Name: "Pets", Target: 60},
		{ID: "category_0000Afisw7e6GKRzcBBpWT", Name: "Home", Target: 50},
		{ID: "eating_out", Name: "Eating Out", Target: 230},
		{ID: "groceries", Name: "Groceries", Target: 400},
	}
}

// LoadTracked reads tracked categories from a YAML file of the form
//
//	categories:
//	  - id: groceries
//	    name: Groceries
//	    target: 400
func LoadTracked(path string) ([]Category, error) {
	if !filepath.IsAbs(path) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}

	var file trackedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Categories))
	for i, c := range file.Categories {
		if c.ID == "" {
			return nil, fmt.Errorf("category at index %d missing id", i)
		}
		if c.Name == "" {
			return nil, fmt.Errorf("category %s missing name", c.ID)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("category %s listed twice", c.ID)
		}
		seen[c.ID] = true
	}

	return file.Categories, nil
}

// StatementStart returns the most recent 28th of the month, at midnight,
// that is not after now
func StatementStart(now time.Time) time.Time {
	year, month, day := now.Date()
	if day < StatementDay {
		// time.Date normalises month 0 to December of the previous year
		month--
	}
	return time.Date(year, month, StatementDay, 0, 0, 0, 0, now.Location())
}

// Aggregate sums the category amounts of every settled transaction into a
// fresh copy of tracked. Categories with no matching spend report zero and
// untracked category ids are ignored. Aggregation stops at the first error
// from txs.
func Aggregate(txs iter.Seq2[monzo.Transaction, error], tracked []Category) (map[string]Category, error) {
	totals := make(map[string]Category, len(tracked))
	for _, c := range tracked {
		c.Amount = 0
		totals[c.ID] = c
	}

	for tx, err := range txs {
		if err != nil {
			return nil, err
		}
		if tx.Declined() {
			continue
		}
		for id, amount := range tx.Categories {
			c, ok := totals[id]
			if !ok {
				continue
			}
			c.Amount += amount
			totals[id] = c
		}
	}

	return totals, nil
}
