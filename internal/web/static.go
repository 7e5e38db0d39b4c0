package web

import "embed"

// staticFiles is the control page served at / and /static/.
//
//go:embed static/*
var staticFiles embed.FS
