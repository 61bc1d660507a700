package bitrix

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

type ListResponse[T any] struct {
	Result []T  `json:"result"`
	Next   *int `json:"next,omitempty"`
	Total  *int `json:"total,omitempty"`
}

// FlexString accepts the loosely typed scalars the remote returns: strings,
// numbers, booleans and null. A single-element array is unwrapped.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	*f = FlexString(Scalar(b))
	return nil
}

func (f FlexString) String() string {
	return string(f)
}

func (f FlexString) Int64() (int64, bool) {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Decimal parses the value, dropping a "|CUR" currency suffix. Invalid input yields zero.
func (f FlexString) Decimal() decimal.Decimal {
	d, _ := ParseAmount(string(f))
	return d
}

// ParseAmount reads a decimal from values like "123.45" or "123.45|RUB".
func ParseAmount(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '|'); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Scalar flattens a raw JSON value into its string form. Arrays yield their
// first element, objects and null yield "".
func Scalar(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return ""
		}
		return s
	case '[':
		var list []json.RawMessage
		if json.Unmarshal(raw, &list) != nil || len(list) == 0 {
			return ""
		}
		return Scalar(list[0])
	case '{':
		return ""
	case 'n':
		return ""
	case 't':
		return "Y"
	case 'f':
		return "N"
	}
	return string(raw)
}

type Status struct {
	EntityID   string     `json:"ENTITY_ID"`
	StatusID   string     `json:"STATUS_ID"`
	Name       string     `json:"NAME"`
	CategoryID FlexString `json:"CATEGORY_ID"`
}

type Category struct {
	ID   FlexString `json:"id"`
	Name string     `json:"name"`
}

type categoryList struct {
	Result struct {
		Categories []Category `json:"categories"`
	} `json:"result"`
	Next  *int `json:"next,omitempty"`
	Total *int `json:"total,omitempty"`
}

type User struct {
	ID           FlexString   `json:"ID"`
	Name         string       `json:"NAME"`
	LastName     string       `json:"LAST_NAME"`
	SecondName   string       `json:"SECOND_NAME"`
	UFDepartment []FlexString `json:"UF_DEPARTMENT"`
}

// FullName is "LAST_NAME NAME" with empty parts dropped.
func (u User) FullName() string {
	parts := make([]string, 0, 2)
	if s := strings.TrimSpace(u.LastName); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(u.Name); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

func (u User) DepartmentID() string {
	if len(u.UFDepartment) == 0 {
		return ""
	}
	return u.UFDepartment[0].String()
}

type Department struct {
	ID     FlexString `json:"ID"`
	Name   string     `json:"NAME"`
	Parent FlexString `json:"PARENT"`
}

type DealUserFieldListItem struct {
	ID    FlexString `json:"ID"`
	Value string     `json:"VALUE"`
}

type DealUserField struct {
	FieldName string                  `json:"FIELD_NAME"`
	List      []DealUserFieldListItem `json:"LIST"`
}

// Deal keeps the typed fields the pipeline reads plus every raw field, so
// configurable custom fields can be looked up by name.
type Deal struct {
	ID           FlexString `json:"ID"`
	Title        string     `json:"TITLE"`
	CategoryID   FlexString `json:"CATEGORY_ID"`
	StageID      string     `json:"STAGE_ID"`
	AssignedByID FlexString `json:"ASSIGNED_BY_ID"`
	ContactID    FlexString `json:"CONTACT_ID"`
	Opportunity  FlexString `json:"OPPORTUNITY"`
	DateCreate   string     `json:"DATE_CREATE"`
	DateModify   string     `json:"DATE_MODIFY"`
	Closed       FlexString `json:"CLOSED"`
	CloseDate    string     `json:"CLOSEDATE"`

	Fields map[string]json.RawMessage `json:"-"`
}

func (d *Deal) UnmarshalJSON(b []byte) error {
	type plain Deal
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	*d = Deal(p)
	d.Fields = fields
	return nil
}

// Field returns a custom field flattened to a scalar.
func (d Deal) Field(name string) string {
	return Scalar(d.Fields[name])
}

type ProductRow struct {
	ID          FlexString `json:"ID"`
	ProductID   FlexString `json:"PRODUCT_ID"`
	ProductName string     `json:"PRODUCT_NAME"`
	Price       FlexString `json:"PRICE"`
	Quantity    FlexString `json:"QUANTITY"`
}

// CatalogProduct is a catalog.product.get / catalog.product.sku.get payload.
type CatalogProduct map[string]json.RawMessage

type productEnvelope struct {
	Product CatalogProduct `json:"product"`
	SKU     CatalogProduct `json:"sku"`
}

// DecodeCatalogProduct unwraps {"product":{...}} or {"sku":{...}}.
func DecodeCatalogProduct(raw json.RawMessage) (CatalogProduct, bool) {
	var env productEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if len(env.Product) > 0 {
		return env.Product, true
	}
	if len(env.SKU) > 0 {
		return env.SKU, true
	}
	return nil, false
}

type Contact struct {
	ID           FlexString `json:"ID"`
	AssignedByID FlexString `json:"ASSIGNED_BY_ID"`
}
