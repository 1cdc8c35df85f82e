package main

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/spf13/pflag"
)

// Ticket content is the standard base64 text of the image file. Tickets
// minted by other tooling carry the same text, so reveal decodes it back into
// the image unless --raw is given.

type stagingFlags struct {
	raw bool
}

var stagingArgs stagingFlags

func addStagingFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&stagingArgs.raw, "raw", false,
		"protect and reveal file bytes as they are, without base64 staging")
}

// stageImage turns image file bytes into ticket content.
func stageImage(image []byte, raw bool) []byte {
	if raw {
		return image
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(image)))
	base64.StdEncoding.Encode(out, image)
	return out
}

// unstageImage turns revealed ticket content back into image file bytes.
func unstageImage(content []byte, raw bool) ([]byte, error) {
	if raw {
		return content, nil
	}
	out := make([]byte, base64.StdEncoding.DecodedLen(len(content)))
	n, err := base64.StdEncoding.Decode(out, bytes.TrimSpace(content))
	if err != nil {
		return nil, fmt.Errorf("ticket content is not base64 image text (use --raw to keep it as is): %w", err)
	}
	return out[:n], nil
}
