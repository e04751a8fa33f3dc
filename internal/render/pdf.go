package render

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

var ErrNothingToExport = errors.New("could not find content to export")

// Document is the content captured into an exported PDF.
type Document struct {
	Title     string
	Subject   string
	Question  string
	Answer    string // markdown
	CreatedAt time.Time
}

// Rasterizer produces a paginated PDF for a document.
type Rasterizer interface {
	Rasterize(ctx context.Context, doc Document) ([]byte, error)
}

const (
	pageMargin = 10.0 // mm, matches the A4 layout of the web export
	lineHeight = 6.0
	fontFamily = "DejaVu"
)

// DejaVu Sans covers Latin, Greek, Cyrillic, arrows and the math operators
// answers use. The core PDF fonts stop at cp1252.
var (
	//go:embed fonts/DejaVuSansCondensed.ttf
	regularFont []byte
	//go:embed fonts/DejaVuSansCondensed-Bold.ttf
	boldFont []byte
)

// PDFRasterizer lays the answer out on A4 pages, breaking pages as needed.
type PDFRasterizer struct {
	markdown *Markdown
}

func NewPDFRasterizer(md *Markdown) *PDFRasterizer {
	return &PDFRasterizer{markdown: md}
}

func (r *PDFRasterizer) Rasterize(ctx context.Context, doc Document) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(doc.Answer) == "" {
		return nil, ErrNothingToExport
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("Learnova", true)
	pdf.AddUTF8FontFromBytes(fontFamily, "", regularFont)
	pdf.AddUTF8FontFromBytes(fontFamily, "B", boldFont)

	pdf.AddPage()
	pdf.SetFont(fontFamily, "B", 16)
	pdf.MultiCell(0, 8, doc.Title, "", "L", false)

	pdf.SetFont(fontFamily, "", 9)
	meta := doc.CreatedAt.Format("2 Jan 2006 15:04")
	if doc.Subject != "" {
		meta = doc.Subject + " | " + meta
	}
	pdf.MultiCell(0, 5, meta, "", "L", false)
	pdf.Ln(4)

	if q := strings.TrimSpace(doc.Question); q != "" {
		pdf.SetFont(fontFamily, "B", 12)
		pdf.MultiCell(0, lineHeight, "Question", "", "L", false)
		pdf.SetFont(fontFamily, "", 11)
		pdf.MultiCell(0, lineHeight, q, "", "L", false)
		pdf.Ln(4)
	}

	pdf.SetFont(fontFamily, "B", 12)
	pdf.MultiCell(0, lineHeight, "Answer", "", "L", false)
	pdf.SetFont(fontFamily, "", 11)
	pdf.MultiCell(0, lineHeight, r.markdown.PlainText(doc.Answer), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

var _ Rasterizer = (*PDFRasterizer)(nil)
