package redtooth

import _ "embed"

// RedToothLogoIconData is the tray icon shown while redtooth is running
//
//go:embed assets/redtooth-logo.png
var RedToothLogoIconData []byte
