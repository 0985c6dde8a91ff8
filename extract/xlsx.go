package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// extractXLSX reads an .xlsx workbook cell by cell from the ZIP archive:
// shared strings from xl/sharedStrings.xml, then each worksheet grid.
// Every sheet becomes one table region. Legacy binary .xls is out of scope.
func extractXLSX(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	shared, err := readSharedStrings(zr)
	if err != nil {
		return nil, err
	}

	// Worksheets are xl/worksheets/sheetN.xml; process in numeric order.
	var sheetFiles []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/sheet") && strings.HasSuffix(f.Name, ".xml") {
			sheetFiles = append(sheetFiles, f)
		}
	}
	if len(sheetFiles) == 0 {
		return nil, fmt.Errorf("no worksheets in archive")
	}
	sort.Slice(sheetFiles, func(i, j int) bool { return sheetFiles[i].Name < sheetFiles[j].Name })

	var sb strings.Builder
	var tables []TableRegion

	for idx, f := range sheetFiles {
		rows, err := readSheetRows(f, shared)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", f.Name, err)
		}
		if len(rows) == 0 {
			continue
		}

		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		start := sb.Len()
		sb.WriteString(renderRows(rows))

		tables = append(tables, TableRegion{
			Label:     fmt.Sprintf("sheet %d", idx+1),
			Rows:      rows,
			CharStart: start,
			CharEnd:   sb.Len(),
		})
	}

	return &Result{Text: sb.String(), Tables: tables}, nil
}

// renderRows produces the row-per-line plain-text form of a cell grid.
func renderRows(rows [][]string) string {
	var sb strings.Builder
	for i, row := range rows {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(strings.Join(row, "  "))
	}
	return sb.String()
}

// sstXML mirrors the xl/sharedStrings.xml structure: each <si> may hold a
// plain <t> or rich-text runs <r><t>.
type sstXML struct {
	Items []struct {
		T    string `xml:"t"`
		Runs []struct {
			T string `xml:"t"`
		} `xml:"r"`
	} `xml:"si"`
}

func readSharedStrings(zr *zip.Reader) ([]string, error) {
	var file *zip.File
	for _, f := range zr.File {
		if f.Name == "xl/sharedStrings.xml" {
			file = f
			break
		}
	}
	if file == nil {
		return nil, nil // workbook with only inline/numeric cells
	}

	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open sharedStrings: %w", err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read sharedStrings: %w", err)
	}

	var sst sstXML
	if err := xml.Unmarshal(raw, &sst); err != nil {
		return nil, fmt.Errorf("parse sharedStrings: %w", err)
	}

	out := make([]string, len(sst.Items))
	for i, si := range sst.Items {
		if len(si.Runs) > 0 {
			var sb strings.Builder
			for _, r := range si.Runs {
				sb.WriteString(r.T)
			}
			out[i] = sb.String()
		} else {
			out[i] = si.T
		}
	}
	return out, nil
}

// sheetXML mirrors the worksheet cell structure.
type sheetXML struct {
	Rows []struct {
		R     int `xml:"r,attr"`
		Cells []struct {
			R string `xml:"r,attr"` // cell ref, e.g. "B4"
			T string `xml:"t,attr"` // type: "s" shared string, "inlineStr", else numeric
			V string `xml:"v"`
			IS struct {
				T string `xml:"t"`
			} `xml:"is"`
		} `xml:"c"`
	} `xml:"sheetData>row"`
}

func readSheetRows(f *zip.File, shared []string) ([][]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	var sheet sheetXML
	if err := xml.Unmarshal(raw, &sheet); err != nil {
		return nil, fmt.Errorf("parse worksheet: %w", err)
	}

	var rows [][]string
	for _, r := range sheet.Rows {
		var cells []string
		for _, c := range r.Cells {
			val := c.V
			switch c.T {
			case "s":
				idx, err := strconv.Atoi(c.V)
				if err != nil || idx < 0 || idx >= len(shared) {
					val = ""
				} else {
					val = shared[idx]
				}
			case "inlineStr":
				val = c.IS.T
			}

			// Respect column position so sparse rows keep alignment.
			col := columnIndex(c.R)
			for len(cells) < col {
				cells = append(cells, "")
			}
			cells = append(cells, strings.TrimSpace(val))
		}
		if rowHasContent(cells) {
			rows = append(rows, cells)
		}
	}
	return rows, nil
}

// columnIndex converts a cell reference like "C12" to a 0-based column.
func columnIndex(ref string) int {
	col := 0
	for _, r := range ref {
		if r < 'A' || r > 'Z' {
			break
		}
		col = col*26 + int(r-'A') + 1
	}
	if col == 0 {
		return 0
	}
	return col - 1
}

func rowHasContent(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return true
		}
	}
	return false
}
