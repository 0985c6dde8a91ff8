package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// extractDocx parses a .docx by reading word/document.xml from the ZIP
// archive: paragraphs become plain text, w:tbl elements become table
// regions.
func extractDocx(data []byte) (*Result, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return nil, fmt.Errorf("word/document.xml not found in archive")
	}

	rc, err := docFile.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)

	var sb strings.Builder
	var tables []TableRegion

	var paraText strings.Builder
	inParagraph := false

	// Table parsing state. Paragraph runs inside table cells accumulate
	// into the cell, not the body text.
	var tableRows [][]string
	var rowCells []string
	var cellText strings.Builder
	tableDepth := 0
	tableNo := 0

	appendBody := func(text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(text)
	}

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tableDepth++
				if tableDepth == 1 {
					tableRows = nil
				}
			case "tr":
				if tableDepth == 1 {
					rowCells = nil
				}
			case "tc":
				if tableDepth == 1 {
					cellText.Reset()
				}
			case "p":
				if tableDepth == 0 {
					inParagraph = true
					paraText.Reset()
				}
			}

		case xml.CharData:
			if tableDepth > 0 {
				cellText.Write(t)
			} else if inParagraph {
				paraText.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				if tableDepth == 0 && inParagraph {
					inParagraph = false
					appendBody(paraText.String())
				}
			case "tc":
				if tableDepth == 1 {
					rowCells = append(rowCells, strings.TrimSpace(cellText.String()))
					cellText.Reset()
				}
			case "tr":
				if tableDepth == 1 && rowHasContent(rowCells) {
					tableRows = append(tableRows, rowCells)
				}
			case "tbl":
				tableDepth--
				if tableDepth == 0 && len(tableRows) > 0 {
					tableNo++
					if sb.Len() > 0 {
						sb.WriteByte('\n')
					}
					start := sb.Len()
					sb.WriteString(renderRows(tableRows))
					tables = append(tables, TableRegion{
						Label:     fmt.Sprintf("table %d", tableNo),
						Rows:      tableRows,
						CharStart: start,
						CharEnd:   sb.Len(),
					})
					tableRows = nil
				}
			}
		}
	}

	return &Result{Text: sb.String(), Tables: tables}, nil
}
