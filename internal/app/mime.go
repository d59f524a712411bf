package app

import (
	"log"
	"mime"

	"github.com/flourmill/flourmill/internal/platform/httpx"
)

func init() {
	ensureMimeType(".xlsx", httpx.XLSXContentType)
}

func ensureMimeType(ext, typ string) {
	if mime.TypeByExtension(ext) != "" {
		return
	}
	if err := mime.AddExtensionType(ext, typ); err != nil {
		log.Printf("app: failed to register MIME type for %s: %v", ext, err)
	}
}
