// Package sensor maps cached Monzo records to observable values
package sensor

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/baely/monzo/internal/categories"
	"github.com/baely/monzo/internal/snapshot"
)

// Attribution is attached to every sensor
const Attribution = "Data provided by Monzo"

// Sensor is a single observable value
type Sensor struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Value      decimal.Decimal   `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes"`
}

// Major converts an amount in minor units to major units
func Major(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// FromSnapshot returns a balance, total balance and spend today sensor per
// account and a sensor per pot
func FromSnapshot(snap *snapshot.Snapshot) []Sensor {
	sensors := make([]Sensor, 0, snap.Len())

	for _, acc := range snap.Accounts() {
		mask := acc.Mask()
		attrs := func() map[string]string {
			return map[string]string{
				"attribution": Attribution,
				"mask":        mask,
				"account":     acc.Name(),
			}
		}

		if bal, ok := snap.Balance(acc.ID); ok {
			sensors = append(sensors,
				Sensor{
					ID:         fmt.Sprintf("monzo_%s_balance", mask),
					Name:       fmt.Sprintf("Monzo %s Balance", mask),
					Value:      Major(bal.Balance),
					Unit:       bal.Currency,
					Attributes: attrs(),
				},
				Sensor{
					ID:         fmt.Sprintf("monzo_%s_total_balance", mask),
					Name:       fmt.Sprintf("Monzo %s Total Balance", mask),
					Value:      Major(bal.TotalBalance),
					Unit:       bal.Currency,
					Attributes: attrs(),
				},
				Sensor{
					ID:         fmt.Sprintf("monzo_%s_spend_today", mask),
					Name:       fmt.Sprintf("Monzo %s Spend Today", mask),
					Value:      Major(bal.SpendToday).Abs(),
					Unit:       bal.Currency,
					Attributes: attrs(),
				},
			)
		}

		for _, pot := range snap.Pots(acc.ID) {
			a := attrs()
			a["pot_id"] = pot.ID
			if pot.GoalAmount > 0 {
				a["goal"] = Major(pot.GoalAmount).StringFixed(2)
			}
			if pot.Locked {
				a["locked"] = "true"
			}
			sensors = append(sensors, Sensor{
				ID:         fmt.Sprintf("monzo_%s_pot", slug(pot.Name)),
				Name:       fmt.Sprintf("Monzo %s Pot", pot.Name),
				Value:      Major(pot.Balance),
				Unit:       pot.Currency,
				Attributes: a,
			})
		}
	}

	return sensors
}

// FromCategories returns a sensor per category showing spend this statement
// period against its target
func FromCategories(cats []categories.Category) []Sensor {
	sensors := make([]Sensor, 0, len(cats))
	for _, c := range cats {
		spent := Major(c.Amount).Neg()
		target := decimal.NewFromInt(c.Target)
		sensors = append(sensors, Sensor{
			ID:    fmt.Sprintf("monzo_%s_category", slug(c.Name)),
			Name:  fmt.Sprintf("Monzo %s Spend", c.Name),
			Value: spent,
			Unit:  "GBP",
			Attributes: map[string]string{
				"attribution": Attribution,
				"category_id": c.ID,
				"target":      target.StringFixed(2),
				"remaining":   target.Sub(spent).StringFixed(2),
			},
		})
	}
	return sensors
}

func slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			underscore = false
		case !underscore && b.Len() > 0:
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
