package docinfo

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const pdfContentType = "application/pdf"

// Hints describe a local document.
type Hints struct {
	URI         string
	ContentType string
	Pages       int
}

var disablePDFConfig sync.Once

// IsLocal reports whether uri names a file on this machine: a bare path or a
// file:// URI.
func IsLocal(uri string) bool {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return false
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" {
		return true
	}
	// Single-letter schemes are Windows drive letters.
	return parsed.Scheme == "file" || len(parsed.Scheme) == 1
}

// Inspect stats the local document at uri and derives its hints. PDF page
// counts come from the document's page tree.
func Inspect(uri string) (Hints, error) {
	path, err := localPath(uri)
	if err != nil {
		return Hints{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return Hints{}, fmt.Errorf("stat document: %w", err)
	}
	if info.IsDir() {
		return Hints{}, fmt.Errorf("document %s is a directory", path)
	}

	contentType, err := detectContentType(path)
	if err != nil {
		return Hints{}, err
	}
	hints := Hints{
		URI:         (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String(),
		ContentType: contentType,
	}
	if contentType == pdfContentType {
		pages, err := pageCount(path)
		if err != nil {
			return Hints{}, err
		}
		hints.Pages = pages
	}
	return hints, nil
}

func localPath(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if !IsLocal(uri) {
		return "", fmt.Errorf("%q is not a local document", uri)
	}
	path := uri
	if strings.HasPrefix(uri, "file://") {
		parsed, err := url.Parse(uri)
		if err != nil {
			return "", fmt.Errorf("parse document uri: %w", err)
		}
		path = filepath.FromSlash(parsed.Path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve document path: %w", err)
	}
	return abs, nil
}

func detectContentType(path string) (string, error) {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		return mediaType(byExt), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read document: %w", err)
	}
	return mediaType(http.DetectContentType(head[:n])), nil
}

func mediaType(value string) string {
	parsed, _, err := mime.ParseMediaType(value)
	if err != nil {
		return value
	}
	return parsed
}

func pageCount(path string) (int, error) {
	disablePDFConfig.Do(api.DisableConfigDir)

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pages, err := api.PageCount(f, conf)
	if err != nil {
		return 0, fmt.Errorf("count pdf pages: %w", err)
	}
	return pages, nil
}
