package extract

// MIME types accepted by the pipeline.
const (
	MIMEPDF      = "application/pdf"
	MIMEXLSX     = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMECSV      = "text/csv"
	MIMEHTML     = "text/html"
	MIMEText     = "text/plain"
	MIMEMarkdown = "text/markdown"
)

// TableRegion is a detected tabular area: spreadsheet sheet, DOCX table,
// CSV body, or a column-aligned run of lines in a PDF page.
type TableRegion struct {
	// Label identifies the region for source spans: sheet name, "page 3",
	// or "table 1".
	Label string `json:"label"`

	// Page is the 1-based page number for PDF regions, 0 otherwise.
	Page int `json:"page,omitempty"`

	// Rows holds the cell grid, one slice per row.
	Rows [][]string `json:"rows"`

	// CharStart/CharEnd delimit the region's rendering inside Result.Text.
	CharStart int `json:"char_start"`
	CharEnd   int `json:"char_end"`
}

// Result is the output of extracting one document.
type Result struct {
	// Text is the full plain text, tables included in row-per-line form.
	Text string `json:"text"`

	// Tables are the detected tabular regions, in document order.
	Tables []TableRegion `json:"tables,omitempty"`

	// Pages is the page count for paginated formats, 0 otherwise.
	Pages int `json:"pages,omitempty"`

	// Quality carries extraction-quality metrics where available (PDF).
	Quality *Quality `json:"quality,omitempty"`
}

// Supported returns the MIME types the pipeline can extract.
func Supported() []string {
	return []string{MIMEPDF, MIMEXLSX, MIMEDocx, MIMECSV, MIMEHTML, MIMEText, MIMEMarkdown}
}
