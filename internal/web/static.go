package web

import (
	"embed"
)

// staticFiles holds the remote control page and its stylesheet.
//
//go:embed static/*
var staticFiles embed.FS
