package indexer

import (
	"path/filepath"
	"strings"
)

// Language identifiers attached to chunks. The chunker has syntax support
// for a subset of them; the rest are chunked by windows.
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangJava       = "java"
	LangC          = "c"
	LangCPP        = "cpp"
	LangRust       = "rust"
	LangRuby       = "ruby"
	LangPHP        = "php"
	LangCSharp     = "csharp"
	LangHTML       = "html"
	LangCSS        = "css"
	LangSQL        = "sql"
	LangMarkdown   = "markdown"
	LangJSON       = "json"
	LangYAML       = "yaml"
	LangShell      = "shell"
)

// LanguageDetector defines how to detect file languages.
type LanguageDetector interface {
	// Detect returns the language of path, or "" when unknown.
	Detect(path string) string
}

// ExtensionDetector detects language from file extension.
type ExtensionDetector struct {
	extMap map[string]string
}

// NewExtensionDetector returns the default extension map.
func NewExtensionDetector() *ExtensionDetector {
	return &ExtensionDetector{
		extMap: map[string]string{
			".go":       LangGo,
			".py":       LangPython,
			".pyi":      LangPython,
			".js":       LangJavaScript,
			".jsx":      LangJavaScript,
			".mjs":      LangJavaScript,
			".ts":       LangTypeScript,
			".tsx":      LangTypeScript,
			".java":     LangJava,
			".c":        LangC,
			".h":        LangC,
			".cpp":      LangCPP,
			".cc":       LangCPP,
			".cxx":      LangCPP,
			".hpp":      LangCPP,
			".rs":       LangRust,
			".rb":       LangRuby,
			".php":      LangPHP,
			".cs":       LangCSharp,
			".html":     LangHTML,
			".htm":      LangHTML,
			".css":      LangCSS,
			".sql":      LangSQL,
			".md":       LangMarkdown,
			".markdown": LangMarkdown,
			".json":     LangJSON,
			".yaml":     LangYAML,
			".yml":      LangYAML,
			".sh":       LangShell,
			".bash":     LangShell,
		},
	}
}

// Detect implements LanguageDetector.
func (d *ExtensionDetector) Detect(path string) string {
	return d.extMap[strings.ToLower(filepath.Ext(path))]
}
