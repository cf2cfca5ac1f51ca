// Package worldbank fetches pages of a World Bank indicator collection and
// parses them into typed records.
//
// The API answers every collection request with a two-element envelope,
// pagination metadata followed by the items:
//
//	[{"page":1,"pages":17,"per_page":50,"total":16758},
//	 [{"indicator":{"id":"NY.GDP.MKTP.CD","value":"GDP (current US$)"},
//	   "country":{"id":"ZH","value":"Africa Eastern and Southern"},
//	   "countryiso3code":"AFE","date":"2023","value":1.2e12,
//	   "unit":"","obs_status":"","decimal":0}, ...]]
package worldbank

import (
	"fmt"
	"math"
)

// DatasetPage is one fetched page: its position in the collection and its
// records in response order.
type DatasetPage struct {
	PageNumber int
	TotalPages int
	PerPage    int
	Total      int
	Records    []Record
}

// Record is one observation. The six string fields are always present;
// the remaining fields are nil when the source reports null.
type Record struct {
	IndicatorID   string
	Indicator     string
	CountryID     string
	Country       string
	CountryCode   string
	Date          string
	Value         *float64
	Unit          *string
	ObsStatus     *string
	DecimalPlaces *int
}

// RecordKey is the natural key of a record, used in diagnostics.
type RecordKey struct {
	IndicatorID string `json:"indicator_id"`
	CountryID   string `json:"country_id"`
	Date        string `json:"date"`
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.IndicatorID, k.CountryID, k.Date)
}

// Key returns the natural key of r.
func (r Record) Key() RecordKey {
	return RecordKey{IndicatorID: r.IndicatorID, CountryID: r.CountryID, Date: r.Date}
}

// Validate checks the record before it is queued for insertion. Empty
// strings are legitimate values; only a value the FLOAT column cannot take
// from the API contract is rejected.
func (r Record) Validate() error {
	if r.Value != nil && (math.IsNaN(*r.Value) || math.IsInf(*r.Value, 0)) {
		return fmt.Errorf("value %v is not a finite number", *r.Value)
	}
	return nil
}
