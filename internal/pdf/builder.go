// Clubprint is a Hello Club attendee sheet printing agent.
// Copyright (C) 2025  The Clubprint Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package pdf renders an event's attendee roster into an A4 attendee
// sheet. Build is pure apart from reading an optional logo file.
package pdf

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/go-pdf/fpdf"

	"clubprint/pkg/config"
	"clubprint/pkg/models"
)

// Recognised column IDs. Anything else renders a blank cell.
const (
	ColumnName       = "name"
	ColumnPhone      = "phone"
	ColumnSignUpDate = "signUpDate"
	ColumnFee        = "fee"
	ColumnStatus     = "status"
)

const (
	pageMargin   = 10.0
	rowHeight    = 8.0
	headerHeight = 9.0
	titleSize    = 16.0
)

type rgb struct{ r, g, b int }

// Status colours on the printed sheet.
var statusColours = map[models.FeeStatus]rgb{
	models.FeeStatusPaid:  {0, 128, 0},
	models.FeeStatusOwing: {200, 0, 0},
	models.FeeStatusNoFee: {128, 128, 128},
}

// Build renders the attendee sheet and returns the finished PDF bytes.
// The returned slice is complete and flushed; callers may hand it to a
// sink immediately.
func Build(event models.Event, attendees []models.Attendee, layout config.PDFLayoutConfig) ([]byte, error) {
	if len(layout.Columns) == 0 {
		return nil, fmt.Errorf("pdf: layout has no columns")
	}
	fontSize := layout.FontSize
	if fontSize <= 0 {
		fontSize = 10
	}

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetMargins(pageMargin, pageMargin, pageMargin)
	doc.SetAutoPageBreak(true, pageMargin)

	// The table header repeats on every page break.
	doc.SetHeaderFuncMode(func() {
		drawTableHeader(doc, layout.Columns, fontSize)
	}, false)

	doc.AddPage()

	if layout.Logo != "" {
		if err := placeLogo(doc, layout.Logo); err != nil {
			return nil, err
		}
	}

	doc.SetFont("Helvetica", "B", titleSize)
	doc.CellFormat(0, 10, event.Name, "", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", fontSize)
	doc.CellFormat(0, 6, event.StartTime.Format("Monday 2 January 2006, 15:04 MST"), "", 1, "L", false, 0, "")
	doc.CellFormat(0, 6, fmt.Sprintf("%d attendees", len(attendees)), "", 1, "L", false, 0, "")
	doc.Ln(3)

	drawTableHeader(doc, layout.Columns, fontSize)
	for _, a := range attendees {
		drawRow(doc, layout.Columns, fontSize, a)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("pdf: render: %w", err)
	}
	return buf.Bytes(), nil
}

func placeLogo(doc *fpdf.Fpdf, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pdf: read logo: %w", err)
	}
	kind := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(pathExt(path))), ".")
	if kind == "jpeg" {
		kind = "jpg"
	}
	opts := fpdf.ImageOptions{ImageType: kind, ReadDpi: true}
	doc.RegisterImageOptionsReader("logo", opts, bytes.NewReader(data))
	doc.ImageOptions("logo", doc.GetX(), doc.GetY(), 0, 18, false, opts, 0, "")
	doc.Ln(20)
	return doc.Error()
}

func pathExt(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i:]
	}
	return ""
}

func drawTableHeader(doc *fpdf.Fpdf, columns []config.ColumnConfig, fontSize float64) {
	doc.SetFont("Helvetica", "B", fontSize)
	doc.SetFillColor(230, 230, 230)
	doc.SetTextColor(0, 0, 0)
	for _, col := range columns {
		doc.CellFormat(col.Width, headerHeight, col.Header, "1", 0, "L", true, 0, "")
	}
	doc.Ln(-1)
}

func drawRow(doc *fpdf.Fpdf, columns []config.ColumnConfig, fontSize float64, a models.Attendee) {
	doc.SetFont("Helvetica", "", fontSize)
	for _, col := range columns {
		text, colour := cellValue(col.ID, a)
		doc.SetTextColor(colour.r, colour.g, colour.b)
		doc.CellFormat(col.Width, rowHeight, text, "1", 0, "L", false, 0, "")
	}
	doc.SetTextColor(0, 0, 0)
	doc.Ln(-1)
}

func cellValue(columnID string, a models.Attendee) (string, rgb) {
	black := rgb{0, 0, 0}
	switch columnID {
	case ColumnName:
		return a.FullName(), black
	case ColumnPhone:
		return a.Phone, black
	case ColumnSignUpDate:
		if a.SignUpDate == nil {
			return "", black
		}
		return a.SignUpDate.Format("2 Jan 2006"), black
	case ColumnFee:
		if !a.HasFee {
			return "", black
		}
		return fmt.Sprintf("$%.2f", a.Fee), black
	case ColumnStatus:
		status := a.FeeStatus()
		return string(status), statusColours[status]
	default:
		return "", black
	}
}

// Filename returns the configured output name, stamped with the event
// date so repeated runs do not collide in a spool directory.
func Filename(configured string, event models.Event) string {
	base := strings.TrimSuffix(configured, ".pdf")
	if base == "" {
		base = "attendee-sheet"
	}
	return fmt.Sprintf("%s-%s.pdf", base, event.StartTime.Format("2006-01-02"))
}
