// Package report renders conversation transcripts as branded PDF reports.
package report

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

// Report types.
const (
	TypeFull   = "full"
	TypeLatest = "latest"
)

// Entry is one question/answer pair to include.
type Entry struct {
	Question string
	Answer   string
}

// Params describes a report.
type Params struct {
	Title          string
	ConversationID int64
	TraceID        string
	UserName       string
	Messages       []Entry
	Type           string // TypeFull or TypeLatest
	LogoPath       string // optional; skipped when the file is missing
	GeneratedAt    time.Time
}

const (
	pageMargin = 54 // 0.75 inch in points
	bodyWidth  = 612 - 2*pageMargin
)

// Brand palette (matches the web UI).
var (
	headingR, headingG, headingB = 0x2e, 0x63, 0x78
	bodyR, bodyG, bodyB          = 0x33, 0x33, 0x33
	mutedR, mutedG, mutedB       = 0x66, 0x66, 0x66
)

// Build renders the PDF and returns its bytes.
func Build(p Params) ([]byte, error) {
	if len(p.Messages) == 0 {
		return nil, fmt.Errorf("report requires at least one message")
	}

	messages := p.Messages
	if p.Type == TypeLatest {
		messages = messages[len(messages)-1:]
	}

	generatedAt := p.GeneratedAt
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetMargins(pageMargin, pageMargin, pageMargin)
	pdf.SetAutoPageBreak(true, pageMargin)

	pdf.SetFooterFunc(func() {
		pdf.SetY(-40)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(0x99, 0x99, 0x99)
		pdf.CellFormat(0, 10, "Ontario Securities Commission - Market Surveillance Analyst", "", 1, "C", false, 0, "")
		pdf.CellFormat(0, 10, "Confidential Report", "", 1, "C", false, 0, "")
	})

	pdf.AddPage()

	if p.LogoPath != "" {
		if _, err := os.Stat(p.LogoPath); err == nil {
			opts := fpdf.ImageOptions{ImageType: "", ReadDpi: true}
			// Center a logo capped at 180x58pt, keeping aspect via width-only scaling.
			pdf.ImageOptions(p.LogoPath, (612-180)/2, pageMargin, 180, 0, true, opts, 0, "")
			pdf.Ln(20)
		}
	}

	pdf.SetFont("Helvetica", "B", 24)
	pdf.SetTextColor(headingR, headingG, headingB)
	pdf.CellFormat(0, 30, p.Title, "", 1, "C", false, 0, "")

	pdf.SetFont("Helvetica", "", 12)
	pdf.SetTextColor(mutedR, mutedG, mutedB)
	pdf.CellFormat(0, 20, "Generated: "+generatedAt.Format("January 2, 2006 at 3:04 PM"), "", 1, "C", false, 0, "")
	pdf.Ln(10)

	writeMetadata(pdf, p)

	// Rule above the transcript.
	pdf.SetDrawColor(headingR, headingG, headingB)
	pdf.SetLineWidth(2)
	y := pdf.GetY() + 6
	pdf.Line(pageMargin, y, 612-pageMargin, y)
	pdf.SetY(y + 14)

	for idx, msg := range messages {
		questionLabel, answerLabel := "Question", "Answer"
		if p.Type != TypeLatest {
			questionLabel = fmt.Sprintf("Question %d", idx+1)
			answerLabel = fmt.Sprintf("Answer %d", idx+1)
		}

		writeHeading(pdf, questionLabel)
		writeBody(pdf, msg.Question)
		pdf.Ln(8)

		writeHeading(pdf, answerLabel)
		answer := msg.Answer
		if answer == "" {
			answer = "No answer available"
		}
		writeBody(pdf, answer)

		if idx < len(messages)-1 {
			pdf.Ln(12)
			pdf.SetDrawColor(0xCC, 0xCC, 0xCC)
			pdf.SetLineWidth(1)
			y := pdf.GetY()
			pdf.Line(pageMargin, y, 612-pageMargin, y)
			pdf.Ln(14)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func writeMetadata(pdf *fpdf.Fpdf, p Params) {
	type row struct{ label, value string }
	var rows []row
	if p.UserName != "" {
		rows = append(rows, row{"User:", p.UserName})
	}
	if p.ConversationID != 0 {
		rows = append(rows, row{"Conversation ID:", fmt.Sprintf("%d", p.ConversationID)})
	}
	if p.TraceID != "" {
		rows = append(rows, row{"Trace ID:", p.TraceID})
	}
	if len(rows) == 0 {
		return
	}

	for _, r := range rows {
		pdf.SetFont("Helvetica", "B", 9)
		pdf.SetTextColor(headingR, headingG, headingB)
		pdf.CellFormat(110, 14, r.label, "", 0, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 9)
		pdf.SetTextColor(mutedR, mutedG, mutedB)
		pdf.MultiCell(bodyWidth-110, 14, r.value, "", "L", false)
	}
	pdf.Ln(6)
}

func writeHeading(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "B", 14)
	pdf.SetTextColor(headingR, headingG, headingB)
	pdf.CellFormat(0, 20, text, "", 1, "L", false, 0, "")
}

func writeBody(pdf *fpdf.Fpdf, text string) {
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(bodyR, bodyG, bodyB)
	for _, para := range strings.Split(CleanMarkdown(text), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		pdf.MultiCell(bodyWidth, 16, para, "", "L", false)
		pdf.Ln(4)
	}
}

var (
	boldRe     = regexp.MustCompile(`\*\*(.+?)\*\*`)
	headerRe   = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	bulletRe   = regexp.MustCompile(`(?m)^[•\-\*]\s+`)
	numberedRe = regexp.MustCompile(`(?m)^(\d+\.\s+)`)
	tableRe    = regexp.MustCompile(`\|(.+?)\|`)
	ruleRe     = regexp.MustCompile(`-{3,}`)
)

// CleanMarkdown reduces markdown-ish model output to plain text suitable
// for PDF paragraphs: bold markers stripped, headers flattened, bullets
// normalized, table pipes and horizontal rules removed.
func CleanMarkdown(text string) string {
	if text == "" {
		return ""
	}
	text = boldRe.ReplaceAllString(text, "$1")
	text = headerRe.ReplaceAllString(text, "")
	text = bulletRe.ReplaceAllString(text, "  • ")
	text = numberedRe.ReplaceAllString(text, "  $1")
	text = tableRe.ReplaceAllString(text, "$1")
	text = ruleRe.ReplaceAllString(text, "")
	return text
}
