// Package ingest turns uploaded files into session documents.
package ingest

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/pavelanni/quizforge/internal/model"
	"github.com/pavelanni/quizforge/internal/session"
)

// ErrUnsupportedFormat is returned for files that are neither PDF nor DOCX.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// ErrUnreadable is returned when a file claims a supported format but cannot be parsed.
var ErrUnreadable = errors.New("unreadable document")

// KindOf maps a file name to a document kind by extension.
func KindOf(name string) (model.DocumentKind, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return model.DocumentPDF, nil
	case ".docx":
		return model.DocumentDOCX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// Files reads multipart uploads for a session of the given mode. Count and
// aggregate size limits are checked against the headers before any file is
// opened.
func Files(mode model.Mode, files []*multipart.FileHeader) ([]model.SourceDocument, error) {
	if len(files) == 0 {
		return nil, session.ErrNoDocuments
	}
	if limit := mode.MaxDocuments(); len(files) > limit {
		return nil, fmt.Errorf("%w: %d given, at most %d allowed", session.ErrTooManyDocuments, len(files), limit)
	}
	var total int64
	for _, fh := range files {
		if _, err := KindOf(fh.Filename); err != nil {
			return nil, err
		}
		total += fh.Size
	}
	if total > model.MaxTotalDocumentBytes {
		return nil, fmt.Errorf("%w: %d bytes", session.ErrPayloadTooLarge, total)
	}

	docs := make([]model.SourceDocument, 0, len(files))
	for _, fh := range files {
		doc, err := readHeader(fh)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func readHeader(fh *multipart.FileHeader) (model.SourceDocument, error) {
	f, err := fh.Open()
	if err != nil {
		return model.SourceDocument{}, fmt.Errorf("open upload %q: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, model.MaxTotalDocumentBytes+1))
	if err != nil {
		return model.SourceDocument{}, fmt.Errorf("read upload %q: %w", fh.Filename, err)
	}
	return Document(filepath.Base(fh.Filename), data)
}

// Document builds a SourceDocument from raw file contents. PDFs keep their
// bytes; DOCX files are reduced to their text.
func Document(name string, data []byte) (model.SourceDocument, error) {
	kind, err := KindOf(name)
	if err != nil {
		return model.SourceDocument{}, err
	}
	doc := model.SourceDocument{Name: name, Kind: kind}
	switch kind {
	case model.DocumentPDF:
		if !bytes.HasPrefix(data, []byte("%PDF")) {
			return doc, fmt.Errorf("%w: %q is not a PDF", ErrUnreadable, name)
		}
		doc.Data = data
	case model.DocumentDOCX:
		text, err := DocxText(data)
		if errors.Is(err, session.ErrPayloadTooLarge) {
			return doc, fmt.Errorf("%q: %w", name, err)
		}
		if err != nil {
			return doc, fmt.Errorf("%w: %q: %v", ErrUnreadable, name, err)
		}
		doc.Text = text
	}
	if !doc.HasPayload() {
		return doc, fmt.Errorf("%w: %q is empty", session.ErrNoDocuments, name)
	}
	return doc, nil
}

// DocxText extracts paragraph text from a DOCX archive.
func DocxText(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx archive: %w", err)
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		if f.UncompressedSize64 > model.MaxTotalDocumentBytes {
			return "", fmt.Errorf("%w: document.xml is %d bytes uncompressed", session.ErrPayloadTooLarge, f.UncompressedSize64)
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open document.xml: %w", err)
		}
		defer rc.Close()

		// The header size can lie, so the stream itself is capped too.
		lr := &io.LimitedReader{R: rc, N: model.MaxTotalDocumentBytes + 1}
		text, err := paragraphs(lr)
		if lr.N <= 0 {
			return "", fmt.Errorf("%w: document.xml exceeds %d bytes uncompressed", session.ErrPayloadTooLarge, model.MaxTotalDocumentBytes)
		}
		return text, err
	}
	return "", errors.New("word/document.xml not found")
}

// paragraphs walks WordprocessingML, keeping w:t runs and breaking lines at
// paragraph ends.
func paragraphs(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var sb strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return strings.TrimSpace(sb.String()), nil
}
