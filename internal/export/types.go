// Package export renders a ticket dossier as HTML or PDF.
package export

import (
	"errors"
	"fmt"
)

type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat maps a query value onto a Format. Empty means HTML.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, value)
	}
}

type Request struct {
	TicketID        string
	Format          Format
	IncludeComments bool
}

type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat is returned for anything other than html or pdf.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates no chromium binary is installed.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
