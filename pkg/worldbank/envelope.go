package worldbank

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"

	"github.com/ajitpratap0/wbingest/pkg/ingesterrors"
)

// flexInt accepts a JSON number or a numeric string; the API sends
// per_page as a string on some endpoints.
type flexInt struct {
	value int
	set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	s := string(data)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("expected an integer, got %s", data)
	}
	f.value, f.set = n, true
	return nil
}

type metadata struct {
	Page    flexInt `json:"page"`
	Pages   flexInt `json:"pages"`
	PerPage flexInt `json:"per_page"`
	Total   flexInt `json:"total"`
}

type apiMessage struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

type apiError struct {
	Message []apiMessage `json:"message"`
}

type rawRef struct {
	ID    *string `json:"id"`
	Value *string `json:"value"`
}

type rawItem struct {
	Indicator       *rawRef  `json:"indicator"`
	Country         *rawRef  `json:"country"`
	CountryISO3Code *string  `json:"countryiso3code"`
	Date            *string  `json:"date"`
	Value           *float64 `json:"value"`
	Unit            *string  `json:"unit"`
	ObsStatus       *string  `json:"obs_status"`
	Decimal         *int     `json:"decimal"`
}

// ParseEnvelope decodes a response body into a DatasetPage. The number of
// records always equals the number of items in the envelope.
func ParseEnvelope(body []byte) (*DatasetPage, error) {
	var parts []gojson.RawMessage
	if err := gojson.Unmarshal(body, &parts); err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindMalformedResponse, "response is not a JSON array").
			WithDetail("body_prefix", prefix(body, 200))
	}

	if len(parts) == 1 {
		var apiErr apiError
		if err := gojson.Unmarshal(parts[0], &apiErr); err == nil && len(apiErr.Message) > 0 {
			return nil, ingesterrors.Newf(ingesterrors.KindMalformedResponse, "api returned an error: %s", apiErr.describe()).
				WithDetail("api_messages", apiErr.Message)
		}
	}
	if len(parts) != 2 {
		return nil, ingesterrors.Newf(ingesterrors.KindMalformedResponse, "expected a [metadata, items] envelope, got %d element(s)", len(parts))
	}

	var meta metadata
	if err := gojson.Unmarshal(parts[0], &meta); err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindMalformedResponse, "invalid pagination metadata")
	}
	if !meta.Page.set || !meta.Pages.set {
		return nil, ingesterrors.New(ingesterrors.KindMalformedResponse, "pagination metadata lacks page or pages")
	}

	var items []gojson.RawMessage
	if err := gojson.Unmarshal(parts[1], &items); err != nil {
		return nil, ingesterrors.Wrap(err, ingesterrors.KindMalformedResponse, "items element is not an array")
	}

	page := &DatasetPage{
		PageNumber: meta.Page.value,
		TotalPages: meta.Pages.value,
		PerPage:    meta.PerPage.value,
		Total:      meta.Total.value,
		Records:    make([]Record, 0, len(items)),
	}

	for i, raw := range items {
		rec, err := parseItem(raw)
		if err != nil {
			return nil, ingesterrors.Wrap(err, ingesterrors.KindInvalidRecord, fmt.Sprintf("item %d of page %d is invalid", i, page.PageNumber)).
				WithDetail("page", page.PageNumber).
				WithDetail("item_index", i)
		}
		page.Records = append(page.Records, rec)
	}

	return page, nil
}

func parseItem(raw gojson.RawMessage) (Record, error) {
	var item rawItem
	if err := gojson.Unmarshal(raw, &item); err != nil {
		return Record{}, err
	}

	var missing []string
	required := func(name string, v *string) string {
		if v == nil {
			missing = append(missing, name)
			return ""
		}
		return *v
	}

	var indicator, country rawRef
	if item.Indicator != nil {
		indicator = *item.Indicator
	}
	if item.Country != nil {
		country = *item.Country
	}

	rec := Record{
		IndicatorID:   required("indicator.id", indicator.ID),
		Indicator:     required("indicator.value", indicator.Value),
		CountryID:     required("country.id", country.ID),
		Country:       required("country.value", country.Value),
		CountryCode:   required("countryiso3code", item.CountryISO3Code),
		Date:          required("date", item.Date),
		Value:         item.Value,
		Unit:          item.Unit,
		ObsStatus:     item.ObsStatus,
		DecimalPlaces: item.Decimal,
	}
	if len(missing) > 0 {
		return Record{}, fmt.Errorf("missing required field(s): %s", strings.Join(missing, ", "))
	}
	return rec, nil
}

func (e apiError) describe() string {
	msgs := make([]string, 0, len(e.Message))
	for _, m := range e.Message {
		msgs = append(msgs, strings.TrimSpace(fmt.Sprintf("%s %s: %s", m.ID, m.Key, m.Value)))
	}
	return strings.Join(msgs, "; ")
}

func prefix(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
