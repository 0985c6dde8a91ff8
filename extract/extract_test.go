package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExtractUnsupportedMIME(t *testing.T) {
	p := New(Config{})
	_, err := p.Extract(context.Background(), []byte("x"), "image/png")
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestExtractEmptyText(t *testing.T) {
	p := New(Config{})
	_, err := p.Extract(context.Background(), []byte("   \n  \n"), MIMEText)
	if !errors.Is(err, ErrNoText) {
		t.Errorf("expected ErrNoText, got %v", err)
	}
}

func TestExtractPlainText(t *testing.T) {
	p := New(Config{})
	res, err := p.Extract(context.Background(), []byte("The property is fully leased.\nGross rent is stable."), MIMEText)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "fully leased") {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Tables) != 0 {
		t.Errorf("prose should yield no table regions, got %d", len(res.Tables))
	}
}

func TestExtractTextWithTable(t *testing.T) {
	input := strings.Join([]string{
		"Rent Roll - 123 Main St",
		"",
		"Unit  Tenant  Rent  Status",
		"101  Smith  $1,200  Occupied",
		"102  Jones  $1,350  Occupied",
		"103  --  $0  Vacant",
		"",
		"Prepared by management.",
	}, "\n")

	p := New(Config{})
	res, err := p.Extract(context.Background(), []byte(input), MIMEText)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tables) != 1 {
		t.Fatalf("table regions = %d, want 1", len(res.Tables))
	}
	reg := res.Tables[0]
	if len(reg.Rows) != 4 {
		t.Fatalf("table rows = %d, want 4 (header + 3 units)", len(reg.Rows))
	}
	if reg.Rows[1][0] != "101" || reg.Rows[1][2] != "$1,200" {
		t.Errorf("row 1 = %v", reg.Rows[1])
	}
	// The char range must cover the tabular lines within the text.
	span := res.Text[reg.CharStart:reg.CharEnd]
	if !strings.Contains(span, "101") || !strings.Contains(span, "Vacant") {
		t.Errorf("char range %d:%d covers %q", reg.CharStart, reg.CharEnd, span)
	}
}

func TestExtractCSV(t *testing.T) {
	input := "unit,tenant,rent,status\n101,Smith,1200,occupied\n102,,0,vacant\n"
	p := New(Config{})
	res, err := p.Extract(context.Background(), []byte(input), MIMECSV)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tables) != 1 {
		t.Fatalf("table regions = %d, want 1", len(res.Tables))
	}
	rows := res.Tables[0].Rows
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[2][3] != "vacant" {
		t.Errorf("rows[2] = %v", rows[2])
	}
}

func TestExtractHTML(t *testing.T) {
	input := `<html><head><title>Summary</title><style>p{color:red}</style></head>
<body><p>Operating summary for the year.</p>
<table><tr><th>Category</th><th>Amount</th></tr>
<tr><td>Insurance</td><td>$12,000</td></tr></table></body></html>`

	p := New(Config{})
	res, err := p.Extract(context.Background(), []byte(input), MIMEHTML)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "Operating summary") {
		t.Errorf("text = %q", res.Text)
	}
	if strings.Contains(res.Text, "color:red") {
		t.Error("style content leaked into text")
	}
	if len(res.Tables) != 1 {
		t.Fatalf("table regions = %d, want 1", len(res.Tables))
	}
	if res.Tables[0].Rows[1][1] != "$12,000" {
		t.Errorf("table = %v", res.Tables[0].Rows)
	}
}

// buildZip assembles an in-memory ZIP from name→content pairs.
func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestExtractXLSX(t *testing.T) {
	shared := `<?xml version="1.0"?><sst><si><t>Unit</t></si><si><t>Rent</t></si><si><t>Status</t></si><si><t>Occupied</t></si><si><t>Vacant</t></si></sst>`
	sheet := `<?xml version="1.0"?><worksheet><sheetData>
<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c><c r="C1" t="s"><v>2</v></c></row>
<row r="2"><c r="A2"><v>101</v></c><c r="B2"><v>1200</v></c><c r="C2" t="s"><v>3</v></c></row>
<row r="3"><c r="A3"><v>102</v></c><c r="B3"><v>0</v></c><c r="C3" t="s"><v>4</v></c></row>
</sheetData></worksheet>`

	data := buildZip(t, map[string]string{
		"xl/sharedStrings.xml":     shared,
		"xl/worksheets/sheet1.xml": sheet,
	})

	p := New(Config{})
	res, err := p.Extract(context.Background(), data, MIMEXLSX)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tables) != 1 {
		t.Fatalf("table regions = %d, want 1", len(res.Tables))
	}
	rows := res.Tables[0].Rows
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if rows[0][0] != "Unit" || rows[1][0] != "101" || rows[2][2] != "Vacant" {
		t.Errorf("rows = %v", rows)
	}
}

func TestExtractXLSXSparseRow(t *testing.T) {
	sheet := `<?xml version="1.0"?><worksheet><sheetData>
<row r="1"><c r="A1"><v>101</v></c><c r="C1"><v>1200</v></c></row>
</sheetData></worksheet>`

	data := buildZip(t, map[string]string{"xl/worksheets/sheet1.xml": sheet})

	p := New(Config{})
	res, err := p.Extract(context.Background(), data, MIMEXLSX)
	if err != nil {
		t.Fatal(err)
	}
	rows := res.Tables[0].Rows
	if len(rows[0]) != 3 {
		t.Fatalf("sparse row should pad to column C: %v", rows[0])
	}
	if rows[0][1] != "" || rows[0][2] != "1200" {
		t.Errorf("row = %v", rows[0])
	}
}

func TestExtractDocx(t *testing.T) {
	doc := `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Lease abstract for unit 204.</w:t></w:r></w:p>
<w:tbl>
<w:tr><w:tc><w:p><w:r><w:t>Unit</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Rent</w:t></w:r></w:p></w:tc></w:tr>
<w:tr><w:tc><w:p><w:r><w:t>204</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>1500</w:t></w:r></w:p></w:tc></w:tr>
</w:tbl>
<w:p><w:r><w:t>Term ends December 2027.</w:t></w:r></w:p>
</w:body>
</w:document>`

	data := buildZip(t, map[string]string{"word/document.xml": doc})

	p := New(Config{})
	res, err := p.Extract(context.Background(), data, MIMEDocx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Text, "Lease abstract") || !strings.Contains(res.Text, "December 2027") {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.Tables) != 1 {
		t.Fatalf("table regions = %d, want 1", len(res.Tables))
	}
	rows := res.Tables[0].Rows
	if len(rows) != 2 || rows[1][0] != "204" || rows[1][1] != "1500" {
		t.Errorf("rows = %v", rows)
	}
}

func TestDetectTablesIgnoresProse(t *testing.T) {
	text := "This building was constructed in 1987 and renovated in 2015.\n" +
		"It has been managed by the same firm since 2018.\n" +
		"Occupancy has held steady at 95 percent."
	if regions := detectTables(text); len(regions) != 0 {
		t.Errorf("prose produced %d table regions", len(regions))
	}
}

func TestQualityUsable(t *testing.T) {
	good := &Quality{PageCount: 3, CharsPerPage: 900, PrintableRatio: 0.99}
	if !good.Usable() {
		t.Error("good quality reported unusable")
	}

	scanned := &Quality{PageCount: 3, CharsPerPage: 4, PrintableRatio: 0.99}
	if scanned.Usable() {
		t.Error("near-empty text layer reported usable")
	}

	garbage := &Quality{PageCount: 1, CharsPerPage: 500, PrintableRatio: 0.4}
	if garbage.Usable() {
		t.Error("garbage-heavy text reported usable")
	}
}

func TestTextFromStream(t *testing.T) {
	stream := []byte("BT\n(Unit 101)  Tj\n(Rent \\0501200\\051) Tj\nT*\n(Vacant) Tj\nET\n")
	text := textFromStream(stream)
	if !strings.Contains(text, "Unit 101") {
		t.Errorf("text = %q", text)
	}
	if !strings.Contains(text, "Rent (1200)") {
		t.Errorf("octal escapes not decoded: %q", text)
	}
	if !strings.Contains(text, "Vacant") {
		t.Errorf("T* line break lost content: %q", text)
	}
}
