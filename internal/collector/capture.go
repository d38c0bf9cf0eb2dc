package collector

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/subastamon/subastamon/internal/event"
	"github.com/subastamon/subastamon/internal/money"
)

// Page selectors of the auction view.
const (
	selItemSelect  = "#ddlItemRenglon"
	selItemOptions = "#ddlItemRenglon option"
	selMinMargin   = "#txtMargenMinimo"
	selDetailRows  = "#gvDetalleCotizacion tr.Renglon, #gvDetalleCotizacion tr.RenglonAlternativo"
)

// Option is one entry of the item selector.
type Option struct {
	Value string
	Text  string
}

// DetailRow is one parsed row of the detail table. Summary rows
// aggregate the whole line ("RENGLON ..." description).
type DetailRow struct {
	Description   string
	IsSummary     bool
	Quantity      *float64
	ReferenceUnit *float64
	Budget        *float64
}

// Capture is the raw parse of the auction page.
type Capture struct {
	MarginText string
	Options    []Option
	Details    []DetailRow
}

// ParseCapturePage extracts the margin field, the item selector
// options and the detail table from the auction page HTML.
func ParseCapturePage(html string) (Capture, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Capture{}, fmt.Errorf("parsing capture page: %w", err)
	}

	var out Capture
	out.MarginText = strings.TrimSpace(doc.Find(selMinMargin).AttrOr("value", ""))

	doc.Find(selItemOptions).Each(func(_ int, s *goquery.Selection) {
		out.Options = append(out.Options, Option{
			Value: s.AttrOr("value", ""),
			Text:  strings.TrimSpace(s.Text()),
		})
	})

	doc.Find(selDetailRows).Each(func(_ int, s *goquery.Selection) {
		cells := s.Find("td")
		if cells.Length() < 4 {
			return
		}
		desc := strings.TrimSpace(cells.Eq(0).Text())
		row := DetailRow{
			Description: desc,
			IsSummary:   strings.HasPrefix(strings.ToUpper(desc), "RENGLON "),
		}
		if v, ok := parseQuantity(cells.Eq(1).Text()); ok {
			row.Quantity = &v
		}
		if v, ok := money.Parse(cells.Eq(2).Text()); ok {
			row.ReferenceUnit = &v
		}
		if v, ok := money.Parse(cells.Eq(3).Text()); ok {
			row.Budget = &v
		}
		out.Details = append(out.Details, row)
	})

	return out, nil
}

// MatchItems pairs each selector option with at most one detail row.
// Cascade: exact normalized match, then the summary row for "renglon"
// options, then the summary row when the selector has a single option,
// then positional pairing only when the table has no summary rows.
// Options left unmatched while a summary row exists are phantoms and
// are dropped.
func MatchItems(options []Option, details []DetailRow) []event.SnapshotItem {
	byDesc := make(map[string]*DetailRow, len(details))
	var nonSummary []*DetailRow
	var summary *DetailRow
	for i := range details {
		row := &details[i]
		byDesc[normalizeDesc(row.Description)] = row
		if row.IsSummary {
			if summary == nil {
				summary = row
			}
		} else {
			nonSummary = append(nonSummary, row)
		}
	}

	var items []event.SnapshotItem
	for idx, opt := range options {
		key := normalizeDesc(opt.Text)
		det := byDesc[key]

		if det == nil && summary != nil && strings.HasPrefix(key, "renglon ") {
			det = summary
		}
		if det == nil && summary != nil && len(options) == 1 {
			det = summary
		}
		if det == nil && summary == nil && len(options) == len(nonSummary) {
			det = nonSummary[idx]
		}
		if det == nil && summary != nil {
			// phantom option, not present in the table
			continue
		}

		item := event.SnapshotItem{LocalID: opt.Value, Text: opt.Text}
		if det != nil {
			item.Quantity = det.Quantity
			item.ReferenceUnit = det.ReferenceUnit
			item.Budget = det.Budget
			item.ReferenceTotal = det.Budget
		}
		items = append(items, item)
	}
	return items
}

var accentFold = strings.NewReplacer(
	"á", "a", "à", "a", "ä", "a", "â", "a",
	"é", "e", "è", "e", "ë", "e", "ê", "e",
	"í", "i", "ì", "i", "ï", "i", "î", "i",
	"ó", "o", "ò", "o", "ö", "o", "ô", "o",
	"ú", "u", "ù", "u", "ü", "u", "û", "u",
	"ñ", "n",
)

// normalizeDesc lowercases, folds Spanish accents and collapses
// whitespace so portal descriptions compare reliably.
func normalizeDesc(text string) string {
	lowered := strings.ToLower(strings.TrimSpace(text))
	folded := accentFold.Replace(lowered)
	return strings.Join(strings.Fields(folded), " ")
}

// parseQuantity reads the detail table's quantity cell, which uses the
// portal's "1.234,5" number style.
func parseQuantity(txt string) (float64, bool) {
	s := strings.TrimSpace(txt)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ".", "")
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
