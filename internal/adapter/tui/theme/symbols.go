package theme

import (
	"os"
	"strings"
)

// SymbolSet holds the glyphs used by the chat, so a plain ASCII set can
// replace them on terminals without Unicode.
type SymbolSet struct {
	Success  string
	Error    string
	Spinner  string
	Bullet   string
	Ellipsis string
	User     string
	Bot      string
}

var unicodeSymbols = SymbolSet{
	Success:  "✓",
	Error:    "✗",
	Spinner:  "⏳",
	Bullet:   "•",
	Ellipsis: "…",
	User:     "You",
	Bot:      "Agent",
}

var asciiSymbols = SymbolSet{
	Success:  "[OK]",
	Error:    "[ERR]",
	Spinner:  "[...]",
	Bullet:   "*",
	Ellipsis: "...",
	User:     "You",
	Bot:      "Agent",
}

var (
	SymbolSuccess  = unicodeSymbols.Success
	SymbolError    = unicodeSymbols.Error
	SymbolSpinner  = unicodeSymbols.Spinner
	SymbolBullet   = unicodeSymbols.Bullet
	SymbolEllipsis = unicodeSymbols.Ellipsis
	SymbolUser     = unicodeSymbols.User
	SymbolBot      = unicodeSymbols.Bot
)

// DetectUnicodeSupport reports whether the terminal likely renders Unicode.
// ESTATEAI_ASCII_SYMBOLS=1 forces ASCII.
func DetectUnicodeSupport() bool {
	if v := os.Getenv("ESTATEAI_ASCII_SYMBOLS"); v == "1" || strings.EqualFold(v, "true") {
		return false
	}
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		val := strings.ToLower(os.Getenv(key))
		if val == "c" || val == "posix" {
			return false
		}
		if strings.Contains(val, "utf-8") || strings.Contains(val, "utf8") {
			return true
		}
	}
	return true
}

// InitSymbols picks the symbol set for the current terminal.
func InitSymbols() {
	set := unicodeSymbols
	if !DetectUnicodeSupport() {
		set = asciiSymbols
	}
	SymbolSuccess = set.Success
	SymbolError = set.Error
	SymbolSpinner = set.Spinner
	SymbolBullet = set.Bullet
	SymbolEllipsis = set.Ellipsis
	SymbolUser = set.User
	SymbolBot = set.Bot
}

func init() {
	InitSymbols()
}
