package collector

import (
	"testing"
)

const capturePage = `
<html><body>
<input id="txtMargenMinimo" value="0,0050" />
<select id="ddlItemRenglon">
  <option value="101">Guantes de nitrilo</option>
  <option value="102">Barbijos tricapa</option>
</select>
<table id="gvDetalleCotizacion">
  <tr class="Encabezado"><td>Descripcion</td><td>Cant.</td><td>Unitario</td><td>Presupuesto</td></tr>
  <tr class="Renglon"><td>Guantes de nitrilo</td><td>1.000</td><td>$ 12,50</td><td>$ 12.500,00</td></tr>
  <tr class="RenglonAlternativo"><td>Barbijos tricapa</td><td>500</td><td>$ 30,00</td><td>$ 15.000,00</td></tr>
</table>
</body></html>`

func TestParseCapturePage(t *testing.T) {
	c, err := ParseCapturePage(capturePage)
	if err != nil {
		t.Fatalf("ParseCapturePage: %v", err)
	}

	if c.MarginText != "0,0050" {
		t.Errorf("MarginText = %q, want %q", c.MarginText, "0,0050")
	}
	if len(c.Options) != 2 {
		t.Fatalf("got %d options, want 2", len(c.Options))
	}
	if c.Options[0].Value != "101" || c.Options[0].Text != "Guantes de nitrilo" {
		t.Errorf("first option = %+v", c.Options[0])
	}
	if len(c.Details) != 2 {
		t.Fatalf("got %d detail rows, want 2", len(c.Details))
	}

	row := c.Details[0]
	if row.IsSummary {
		t.Errorf("plain row flagged as summary")
	}
	if row.Quantity == nil || *row.Quantity != 1000 {
		t.Errorf("Quantity = %v, want 1000", row.Quantity)
	}
	if row.ReferenceUnit == nil || *row.ReferenceUnit != 12.5 {
		t.Errorf("ReferenceUnit = %v, want 12.5", row.ReferenceUnit)
	}
	if row.Budget == nil || *row.Budget != 12500 {
		t.Errorf("Budget = %v, want 12500", row.Budget)
	}
}

func fp(v float64) *float64 { return &v }

func TestMatchItems(t *testing.T) {
	summary := DetailRow{Description: "RENGLON 1 - Insumos varios", IsSummary: true, Quantity: fp(10), Budget: fp(1000)}
	gloves := DetailRow{Description: "Guantes de nitrilo", Quantity: fp(1000), Budget: fp(12500)}
	masks := DetailRow{Description: "Barbijos tricapa", Quantity: fp(500), Budget: fp(15000)}

	tests := []struct {
		name    string
		options []Option
		details []DetailRow
		wantIDs []string
	}{
		{
			name: "exact normalized match",
			options: []Option{
				{Value: "101", Text: "  GUANTES DE NITRILO "},
				{Value: "102", Text: "Barbijos tricapa"},
			},
			details: []DetailRow{gloves, masks},
			wantIDs: []string{"101", "102"},
		},
		{
			name: "accents fold before comparing",
			options: []Option{
				{Value: "7", Text: "Algodón hidrófilo"},
			},
			details: []DetailRow{{Description: "ALGODON HIDROFILO", Quantity: fp(20)}},
			wantIDs: []string{"7"},
		},
		{
			name: "renglon option falls back to summary row",
			options: []Option{
				{Value: "1", Text: "Renglon 1 - Insumos varios completo"},
			},
			details: []DetailRow{summary, gloves},
			wantIDs: []string{"1"},
		},
		{
			name: "single option takes the summary row",
			options: []Option{
				{Value: "1", Text: "Provision integral"},
			},
			details: []DetailRow{summary, gloves, masks},
			wantIDs: []string{"1"},
		},
		{
			name: "positional pairing without summary rows",
			options: []Option{
				{Value: "1", Text: "Opcion A"},
				{Value: "2", Text: "Opcion B"},
			},
			details: []DetailRow{gloves, masks},
			wantIDs: []string{"1", "2"},
		},
		{
			name: "phantom option dropped when summary exists",
			options: []Option{
				{Value: "101", Text: "Guantes de nitrilo"},
				{Value: "999", Text: "Opcion fantasma"},
			},
			details: []DetailRow{summary, gloves},
			wantIDs: []string{"101"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := MatchItems(tt.options, tt.details)
			if len(items) != len(tt.wantIDs) {
				t.Fatalf("got %d items, want %d (%+v)", len(items), len(tt.wantIDs), items)
			}
			for i, want := range tt.wantIDs {
				if items[i].LocalID != want {
					t.Errorf("items[%d].LocalID = %q, want %q", i, items[i].LocalID, want)
				}
			}
		})
	}
}

func TestMatchItemsCarriesDetailFigures(t *testing.T) {
	items := MatchItems(
		[]Option{{Value: "101", Text: "Guantes de nitrilo"}},
		[]DetailRow{{Description: "Guantes de nitrilo", Quantity: fp(1000), ReferenceUnit: fp(12.5), Budget: fp(12500)}},
	)
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
	it := items[0]
	if it.Quantity == nil || *it.Quantity != 1000 {
		t.Errorf("Quantity = %v, want 1000", it.Quantity)
	}
	if it.ReferenceUnit == nil || *it.ReferenceUnit != 12.5 {
		t.Errorf("ReferenceUnit = %v, want 12.5", it.ReferenceUnit)
	}
	if it.Budget == nil || *it.Budget != 12500 {
		t.Errorf("Budget = %v, want 12500", it.Budget)
	}
	if it.ReferenceTotal == nil || *it.ReferenceTotal != 12500 {
		t.Errorf("ReferenceTotal = %v, want budget 12500", it.ReferenceTotal)
	}
}

func TestNormalizeDesc(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Guantes   de  NITRILO ", "guantes de nitrilo"},
		{"Algodón Hidrófilo", "algodon hidrofilo"},
		{"AÑO 2024", "ano 2024"},
	}
	for _, tt := range tests {
		if got := normalizeDesc(tt.in); got != tt.want {
			t.Errorf("normalizeDesc(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
