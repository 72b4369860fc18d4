package appfs

import "embed"

// FS holds the SQL migrations and the static assets (email templates, common passwords).
//go:embed migrations all:assets
var FS embed.FS
