// Package lookup holds the reference tables used to enrich deals.
package lookup

import (
	"github.com/shopspring/decimal"
)

// BonusCodes maps a normalized bonus code to the bonus amount per unit.
type BonusCodes map[string]decimal.Decimal

// Stages maps funnel id -> stage id -> stage name.
type Stages map[string]map[string]string

func (s Stages) Name(categoryID, stageID string) (string, bool) {
	if categoryID == "" {
		categoryID = "0"
	}
	name, ok := s[categoryID][stageID]
	return name, ok
}

// Categories maps funnel id -> funnel name.
type Categories map[string]string

type User struct {
	Name         string `json:"name"`
	DepartmentID string `json:"department_id,omitempty"`
}

type Users map[string]User

// Departments maps department id -> department name.
type Departments map[string]string

// UserFields maps list field name -> value id -> value.
type UserFields map[string]map[string]string

func (u UserFields) Value(field, id string) (string, bool) {
	v, ok := u[field][id]
	return v, ok
}

// References bundles every table one enrichment pass needs.
type References struct {
	BonusCodes  BonusCodes
	Stages      Stages
	Categories  Categories
	Users       Users
	Departments Departments
	UserFields  UserFields
}
